package zab

import (
	"fmt"
	"net"
	"strings"

	"github.com/glycerine/idem"
	"github.com/glycerine/ipaddr"
)

// learnerCnxAcceptor owns the listening sockets the
// followers and observers dial. One listener, and one
// accept goroutine, per bound address. Startup only
// fails when every configured address refuses to
// bind; a rebind after shutdown is always a fresh
// socket.
type learnerCnxAcceptor struct {
	lead *Leader
	Halt *idem.Halter

	listeners []net.Listener
}

func newLearnerCnxAcceptor(lead *Leader) *learnerCnxAcceptor {
	a := &learnerCnxAcceptor{
		lead: lead,
		Halt: idem.NewHalter(),
	}
	lead.Halt.AddChild(a.Halt)
	return a
}

// bindAddrs resolves what to listen on: the explicit
// override, else the wildcard with our quorum port,
// else our own quorum address from the view.
func (a *learnerCnxAcceptor) bindAddrs() (addrs []string, err error) {
	cfg := a.lead.cfg
	if len(cfg.BindAddrs) > 0 {
		return cfg.BindAddrs, nil
	}
	self := a.lead.self
	if self == nil || self.QuorumAddr == "" {
		return nil, fmt.Errorf("no quorum address configured for sid %v", a.lead.myid)
	}
	if cfg.ListenOnAllIPs {
		_, port, err2 := net.SplitHostPort(self.QuorumAddr)
		if err2 != nil {
			return nil, fmt.Errorf("bad quorum address '%v': %w", self.QuorumAddr, err2)
		}
		return []string{":" + port}, nil
	}
	return []string{self.QuorumAddr}, nil
}

func (a *learnerCnxAcceptor) start() (err error) {
	addrs, err := a.bindAddrs()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBindFailure, err)
	}
	var failures []string
	for _, addr := range addrs {
		lsn, err2 := net.Listen("tcp", addr)
		if err2 != nil {
			alwaysPrintf("%v could not bind learner address '%v': %v", a.lead.me(), addr, err2)
			failures = append(failures, fmt.Sprintf("%v: %v", addr, err2))
			continue
		}
		vv("%v accepting learner connections on %v", a.lead.me(), lsn.Addr())
		a.listeners = append(a.listeners, lsn)
	}
	if len(a.listeners) == 0 {
		return fmt.Errorf("%w: [%v]", ErrBindFailure, strings.Join(failures, "; "))
	}
	for _, lsn := range a.listeners {
		go a.acceptLoop(lsn)
	}
	return nil
}

// Addrs reports what we actually bound; tests dial these.
func (a *learnerCnxAcceptor) Addrs() (r []string) {
	for _, lsn := range a.listeners {
		r = append(r, lsn.Addr().String())
	}
	return
}

func (a *learnerCnxAcceptor) acceptLoop(lsn net.Listener) {
	for {
		conn, err := lsn.Accept()
		if err != nil {
			if a.Halt.ReqStop.IsClosed() {
				return
			}
			// a bad handshake or a transient error on
			// one connection must not stop the acceptor.
			alwaysPrintf("%v accept error on %v: %v", a.lead.me(), lsn.Addr(), err)
			if strings.Contains(err.Error(), "use of closed network connection") {
				return
			}
			continue
		}
		if err = a.lead.auth.Authenticate(conn); err != nil {
			alwaysPrintf("%v rejecting learner %v: authentication failed: %v", a.lead.me(), conn.RemoteAddr(), err)
			conn.Close()
			continue
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			tc.SetNoDelay(a.lead.cfg.noDelay())
		}
		sess := newLearnerSession(a.lead, conn)
		a.lead.addLearnerHandler(sess)
		sess.start()
	}
}

// halt closes the sockets; the accept goroutines see
// the closed-listener error and exit. Session
// goroutines drain on their own halters.
func (a *learnerCnxAcceptor) halt() {
	a.Halt.ReqStop.Close()
	for _, lsn := range a.listeners {
		lsn.Close()
	}
	a.Halt.Done.Close()
}

// AvailPort picks a currently free TCP port; handy
// for tests and dev-cluster setup scripts.
func AvailPort() int {
	return ipaddr.GetAvailPort()
}
