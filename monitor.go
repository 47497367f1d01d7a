package hotrelay

import (
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// RaiseFdLimit asks the OS for more open-file headroom than the default
// soft limit gives a long-lived relay handling thousands of peers.
func RaiseFdLimit() {
	cur := &unix.Rlimit{}
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, cur); err != nil {
		log.Error().Msgf("error occur while getting OS limit of open files: %+v", err)
	}
	err := unix.Setrlimit(unix.RLIMIT_NOFILE, &unix.Rlimit{
		Cur: 4096,
		Max: 100000,
	})
	if err != nil {
		log.Error().Msgf("error occur while raising OS limit of open files: %+v", err)
	}
}
