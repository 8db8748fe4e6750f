package main

// zableader runs a standalone Zab leader over the
// in-memory replicated state. It is a development
// harness: point follower processes at it and watch
// the sync and broadcast phases go by, without
// standing up a whole coordination service.
//
// Example, a three peer view with us as sid 1:
//
//	zableader -myid 1 \
//	  -members "1=127.0.0.1:2888,2=127.0.0.1:2889,3=127.0.0.1:2890"

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/glycerine/zab"
)

func main() {
	var myid = flag.Int64("myid", 1, "this server's sid in the member list")
	var members = flag.String("members", "", "comma separated sid=host:port quorum addresses")
	var tickTime = flag.Int("tickTime", 500, "tick in milliseconds")
	var initLimit = flag.Int("initLimit", 10, "discovery/sync deadline, in ticks")
	var syncLimit = flag.Int("syncLimit", 5, "serving liveness deadline, in ticks")
	var reconfig = flag.Bool("reconfig", true, "permit dynamic reconfiguration")
	var listenAll = flag.Bool("listenOnAllIPs", false, "bind the wildcard address")
	var epochDir = flag.String("epochDir", "", "directory for the epoch files; empty keeps them in memory")
	flag.Parse()

	mc, err := parseMembers(*members)
	if err != nil {
		fmt.Fprintf(os.Stderr, "zableader: %v\n", err)
		os.Exit(1)
	}

	cfg := zab.NewZabConfig(*myid)
	cfg.TickTime = *tickTime
	cfg.InitLimit = *initLimit
	cfg.SyncLimit = *syncLimit
	cfg.ReconfigEnabled = *reconfig
	cfg.ListenOnAllIPs = *listenAll

	var epochs zab.AcceptedEpochStore
	if *epochDir != "" {
		fes, err := zab.NewFileAcceptedEpochStore(*epochDir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "zableader: %v\n", err)
			os.Exit(1)
		}
		defer fes.Close()
		epochs = fes
	} else {
		epochs = zab.NewMemEpochStore()
	}

	lead := zab.NewLeader(cfg, mc, &zab.Collab{
		State:  zab.NewMemState(),
		Epochs: epochs,
		TxnLog: zab.NewMemTxnLog(0),
	})

	err = lead.Lead()
	fmt.Fprintf(os.Stderr, "zableader: reign over: %v\n", err)
	os.Exit(1)
}

func parseMembers(spec string) (*zab.MemberConfig, error) {
	if spec == "" {
		return nil, fmt.Errorf("-members is required, e.g. \"1=127.0.0.1:2888,2=127.0.0.1:2889\"")
	}
	var servers []*zab.QuorumServer
	for _, part := range strings.Split(spec, ",") {
		sidAddr := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(sidAddr) != 2 {
			return nil, fmt.Errorf("bad member '%v', want sid=host:port", part)
		}
		sid, err := strconv.ParseInt(sidAddr[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad sid in '%v': %v", part, err)
		}
		role := zab.PARTICIPANT
		addr := sidAddr[1]
		if strings.HasSuffix(addr, ";observer") {
			role = zab.OBSERVER
			addr = strings.TrimSuffix(addr, ";observer")
		}
		servers = append(servers, &zab.QuorumServer{
			SID:        sid,
			QuorumAddr: addr,
			Role:       role,
		})
	}
	return zab.NewMemberConfig(0, servers...), nil
}
