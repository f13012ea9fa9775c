// Package runner owns process lifecycle: the state machine from New to
// Stopped, drain-before-exit, and the startup banner.
package runner

import (
	"bytes"
	"context"
	"os"

	"github.com/dimiro1/banner"
)

type State int

const (
	StateNew State = iota
	StateStarting
	StateRunning
	StateDraining
	StateStopped
)

// Runner is anything with a run-until-stopped lifecycle.
type Runner interface {
	Run(ctx context.Context) error
	Stop() error
	State() State
}

// Hooks fire at the edges of the lifecycle. Either may be nil.
type Hooks struct {
	OnStart func()
	OnStop  func()
}

// Drainer finishes in-flight work before shutdown proceeds.
type Drainer interface {
	Drain() error
}

const EngineVersion = "dev"

func PrintBanner() {
	tpl := "{{ .Title \"CONVIS\" \"\" 0 }}\nVersion: " + EngineVersion + "\n"
	banner.Init(os.Stdout, true, true, bytes.NewBufferString(tpl))
}
