package zab

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// FileAcceptedEpochStore persists the acceptedEpoch /
// currentEpoch pair, one small file each, written
// with the usual create-temp + rename + parent-dir
// fsync dance so a torn write can never present a
// half-epoch. Each file carries a blake3 checksum
// line to catch disk corruption on the way back in.
type FileAcceptedEpochStore struct {
	mut sync.Mutex
	dir string

	parentDirFd *os.File
}

func NewFileAcceptedEpochStore(dir string) (s *FileAcceptedEpochStore, err error) {
	err = os.MkdirAll(dir, 0700)
	if err != nil {
		return nil, err
	}
	parent, err := os.Open(dir)
	if err != nil {
		return nil, err
	}
	return &FileAcceptedEpochStore{
		dir:         dir,
		parentDirFd: parent,
	}, nil
}

func (s *FileAcceptedEpochStore) Close() error {
	return s.parentDirFd.Close()
}

func (s *FileAcceptedEpochStore) GetAcceptedEpoch() (int64, error) {
	return s.load("acceptedEpoch")
}

func (s *FileAcceptedEpochStore) SetAcceptedEpoch(epoch int64) error {
	return s.save("acceptedEpoch", epoch)
}

func (s *FileAcceptedEpochStore) GetCurrentEpoch() (int64, error) {
	return s.load("currentEpoch")
}

func (s *FileAcceptedEpochStore) SetCurrentEpoch(epoch int64) error {
	return s.save("currentEpoch", epoch)
}

func (s *FileAcceptedEpochStore) save(name string, epoch int64) (err error) {
	s.mut.Lock()
	defer s.mut.Unlock()

	body := fmt.Sprintf("%v\n", epoch)
	content := body + blake3OfBytesString([]byte(body)) + "\n"

	path := filepath.Join(s.dir, name)
	tmppath := path + ".pre_rename." + cryRand15B()
	fd, err := os.Create(tmppath)
	if err != nil {
		return err
	}
	_, err = fd.WriteString(content)
	if err != nil {
		fd.Close()
		return err
	}
	err = fd.Sync()
	if err != nil {
		fd.Close()
		return err
	}
	fd.Close()

	err = os.Rename(tmppath, path)
	if err != nil {
		return err
	}
	// parent directory metadata must also be synced
	// to disk for true persistence.
	return s.parentDirFd.Sync()
}

func (s *FileAcceptedEpochStore) load(name string) (epoch int64, err error) {
	s.mut.Lock()
	defer s.mut.Unlock()

	path := filepath.Join(s.dir, name)
	by, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// a server that has never joined a reign.
			return 0, nil
		}
		return 0, err
	}
	lines := strings.SplitN(string(by), "\n", 3)
	if len(lines) < 2 {
		return 0, fmt.Errorf("epoch file '%v' truncated", path)
	}
	body := lines[0] + "\n"
	sum := lines[1]
	if want := blake3OfBytesString([]byte(body)); sum != want {
		return 0, fmt.Errorf("epoch file '%v' corrupt: checksum '%v' != expected '%v'", path, sum, want)
	}
	epoch, err = strconv.ParseInt(strings.TrimSpace(lines[0]), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("epoch file '%v' unparsable: %w", path, err)
	}
	return epoch, nil
}
