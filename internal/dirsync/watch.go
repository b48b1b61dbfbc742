package dirsync

import (
	"fmt"
	"strings"
)

const eventBufferSize = 256

type watchOp uint8

const (
	opCreate watchOp = iota + 1
	opWrite
	opRemove
	opRename
	// opOverflow means events were lost and the whole tree must be rescanned
	opOverflow
)

func (op watchOp) String() string {
	switch op {
	case opCreate:
		return "create"
	case opWrite:
		return "write"
	case opRemove:
		return "remove"
	case opRename:
		return "rename"
	case opOverflow:
		return "overflow"
	}
	return "unknown"
}

type watchEvent struct {
	path string
	op   watchOp
}

// watchBackend delivers recursive filesystem events for one root
type watchBackend interface {
	Watch(root string, out chan<- watchEvent) error
	Close() error
}

// Watch backend names
const (
	BackendNotify   = "notify"
	BackendFsnotify = "fsnotify"
)

func newWatchBackend(name string) (watchBackend, error) {
	switch strings.ToLower(name) {
	case BackendNotify, "":
		return &notifyBackend{}, nil
	case BackendFsnotify:
		return &fsnotifyBackend{}, nil
	}
	return nil, fmt.Errorf("unknown watch backend %q", name)
}
