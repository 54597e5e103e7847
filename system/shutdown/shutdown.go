package shutdown

import (
	"os"
	"sync"

	"github.com/rs/zerolog/log"
)

// exitFunc is replaced in tests.
var exitFunc = os.Exit

var (
	mu       sync.Mutex
	cleanups []cleanup
	done     bool
)

type cleanup struct {
	name string
	fn   func() error
}

// Register adds fn to the work Shutdown runs. Cleanups run in reverse
// registration order.
func Register(name string, fn func() error) {
	mu.Lock()
	defer mu.Unlock()
	cleanups = append(cleanups, cleanup{name: name, fn: fn})
}

// Run executes the registered cleanups once and returns how many failed.
func Run() int {
	mu.Lock()
	if done {
		mu.Unlock()
		return 0
	}
	done = true
	pending := cleanups
	cleanups = nil
	mu.Unlock()

	failed := 0
	for i := len(pending) - 1; i >= 0; i-- {
		c := pending[i]
		if err := c.fn(); err != nil {
			failed++
			log.Error().Err(err).Str("step", c.name).Msg("Shutdown step failed")
			continue
		}
		log.Info().Str("step", c.name).Msg("Shutdown step complete")
	}
	return failed
}

func Shutdown() {
	code := 0
	if Run() > 0 {
		code = 1
	}
	log.Info().Msg("Relay controller stopped")
	exitFunc(code)
}

func ShutdownWithError(err error, msg string) {
	log.Error().Err(err).Msg(msg)
	Run()
	exitFunc(1)
}
