package engine_test

import (
	"strings"
	"testing"

	"github.com/strutdbg/strut/service/engine"
	"github.com/strutdbg/strut/service/engine/enginetest"
)

func TestBackendRegistry(t *testing.T) {
	engine.Register("testbackend", func() (engine.Engine, error) {
		return enginetest.NewFakeEngine(), nil
	})

	found := false
	for _, name := range engine.Backends() {
		if name == "testbackend" {
			found = true
		}
	}
	if !found {
		t.Errorf("got backends %v, want testbackend listed", engine.Backends())
	}

	eng, err := engine.New("testbackend")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := eng.(*enginetest.FakeEngine); !ok {
		t.Errorf("got %T, want *enginetest.FakeEngine", eng)
	}

	_, err = engine.New("nosuchbackend")
	if err == nil || !strings.Contains(err.Error(), "unknown engine backend") {
		t.Errorf("got %v, want unknown backend error", err)
	}
}

func TestRegisterDuplicatePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("duplicate Register did not panic")
		}
	}()
	engine.Register("dupbackend", func() (engine.Engine, error) { return nil, nil })
	engine.Register("dupbackend", func() (engine.Engine, error) { return nil, nil })
}
