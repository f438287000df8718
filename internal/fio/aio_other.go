//go:build !linux

package fio

import (
	"errors"

	"karst/internal/config"
)

var errNoAIO = errors.New("fio: kernel aio is only available on linux")

func openAIOFile(cfg config.Disk) (File, error) {
	return nil, errNoAIO
}

func newAIOQueue(depth int) (diskQueue, error) {
	return nil, errNoAIO
}
