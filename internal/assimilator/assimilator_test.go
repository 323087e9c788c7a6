package assimilator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"genesis/internal/bus"
	"genesis/internal/validator"
)

// memReader serves component source from memory.
type memReader map[string]string

func (r memReader) Read(name string) (string, error) {
	src, ok := r[name]
	if !ok {
		return "", errors.New("no such component")
	}
	return src, nil
}

func newTestAssimilator(t *testing.T, reader memReader, opts Options) (*Assimilator, *bus.Bus) {
	t.Helper()
	b := bus.New(bus.Options{QueueSize: 64, RetainLast: 64}, zap.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		b.Close(ctx) //nolint:errcheck
	})
	if opts.Grace == 0 {
		opts.Grace = 300 * time.Millisecond
	}
	return New(reader, validator.New(), b, opts, zap.NewNop()), b
}

const longRunner = `package motion

import "genesis/organ"

func Start() {
	organ.Emit("sensors.motion.ready", map[string]interface{}{"who": organ.Name()})
	<-organ.Done()
}
`

const oneShot = `package blink

func Start() {}
`

const panicker = `package faulty

func Start() {
	panic("wired backwards")
}
`

func TestIntegrateRunsComponent(t *testing.T) {
	a, b := newTestAssimilator(t, memReader{"sensors.motion": longRunner}, Options{})
	ctx := context.Background()

	require.NoError(t, a.Integrate(ctx, "sensors.motion"))
	assert.True(t, a.IsRunning("sensors.motion"))
	assert.Equal(t, []string{"sensors.motion"}, a.Running())

	// The organ reached the bus through the facade.
	waitForEvent(t, b, "sensors.motion.ready")

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(stopCtx, "sensors.motion"))
	assert.False(t, a.IsRunning("sensors.motion"))
}

func TestIntegrateIsIdempotent(t *testing.T) {
	a, _ := newTestAssimilator(t, memReader{"sensors.motion": longRunner}, Options{})
	ctx := context.Background()

	require.NoError(t, a.Integrate(ctx, "sensors.motion"))
	require.NoError(t, a.Integrate(ctx, "sensors.motion"))

	assert.Len(t, a.Running(), 1)

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	a.StopAll(stopCtx)
}

func TestIntegrateOneShotExitsCleanly(t *testing.T) {
	a, _ := newTestAssimilator(t, memReader{"tasks.blink": oneShot}, Options{})

	require.NoError(t, a.Integrate(context.Background(), "tasks.blink"))
	assert.False(t, a.IsRunning("tasks.blink"))
}

func TestIntegratePanicIsActivationError(t *testing.T) {
	a, b := newTestAssimilator(t, memReader{"tasks.faulty": panicker}, Options{})

	err := a.Integrate(context.Background(), "tasks.faulty")

	var aerr *ActivationError
	require.ErrorAs(t, err, &aerr)
	assert.Contains(t, aerr.Reason, "wired backwards")
	assert.False(t, a.IsRunning("tasks.faulty"))

	// The death was reported through the error return; it must not be
	// double-counted as a runtime crash event.
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, b.Recent(bus.TopicComponentFailed, 1))
}

func TestCrashAfterGraceReportsOnBus(t *testing.T) {
	lateCrash := `package jitter

import "time"

func Start() {
	time.Sleep(100 * time.Millisecond)
	panic("bearing seized")
}
`
	a, b := newTestAssimilator(t, memReader{"tasks.jitter": lateCrash}, Options{Grace: 20 * time.Millisecond})

	require.NoError(t, a.Integrate(context.Background(), "tasks.jitter"))

	waitForEvent(t, b, bus.TopicComponentFailed)
	events := b.Recent(bus.TopicComponentFailed, 1)
	require.Len(t, events, 1)
	assert.Equal(t, "tasks.jitter", events[0].Data["component"])
}

func TestIntegrateMissingSourceIsLoadError(t *testing.T) {
	a, _ := newTestAssimilator(t, memReader{}, Options{})

	err := a.Integrate(context.Background(), "ghost.organ")

	var lerr *LoadError
	require.ErrorAs(t, err, &lerr)
}

func TestIntegrateRejectsUnsafeSourceAtBoundary(t *testing.T) {
	src := `package sneaky
import "os/exec"
func Start() { exec.Command("sh").Run() }
`
	a, _ := newTestAssimilator(t, memReader{"tasks.sneaky": src}, Options{})

	err := a.Integrate(context.Background(), "tasks.sneaky")

	var rerr *RejectedError
	require.ErrorAs(t, err, &rerr)
	assert.NotEmpty(t, rerr.Diagnostics)
}

func TestIntegrateMissingEntryPointIsContractError(t *testing.T) {
	// The boundary validator catches the missing entry point before the
	// interpreter is ever constructed.
	src := `package noent
func Run() {}
`
	a, _ := newTestAssimilator(t, memReader{"tasks.noent": src}, Options{})

	err := a.Integrate(context.Background(), "tasks.noent")

	var rerr *RejectedError
	require.ErrorAs(t, err, &rerr)
}

func TestCapacityCap(t *testing.T) {
	reader := memReader{
		"tasks.one": longRunner2("one"),
		"tasks.two": longRunner2("two"),
	}
	a, _ := newTestAssimilator(t, reader, Options{MaxConcurrent: 1})
	ctx := context.Background()

	require.NoError(t, a.Integrate(ctx, "tasks.one"))

	err := a.Integrate(ctx, "tasks.two")
	var cerr *CapacityError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, int64(1), cerr.Limit)

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	a.StopAll(stopCtx)
}

func TestCrashedComponentFreesCapacity(t *testing.T) {
	reader := memReader{
		"tasks.faulty": panicker,
		"tasks.one":    longRunner2("one"),
	}
	a, _ := newTestAssimilator(t, reader, Options{MaxConcurrent: 1})
	ctx := context.Background()

	var aerr *ActivationError
	require.ErrorAs(t, a.Integrate(ctx, "tasks.faulty"), &aerr)

	// The crashed unit released its slot.
	require.NoError(t, a.Integrate(ctx, "tasks.one"))

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	a.StopAll(stopCtx)
}

func longRunner2(pkg string) string {
	return `package ` + pkg + `

import "genesis/organ"

func Start() {
	<-organ.Done()
}
`
}

func waitForEvent(t *testing.T, b *bus.Bus, topic string) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		if len(b.Recent(topic, 1)) > 0 {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("event %s never arrived", topic)
		case <-time.After(10 * time.Millisecond):
		}
	}
}
