package supervisor

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
)

type recorder struct {
	calls []string
}

func (r *recorder) component(name string, startErr, stopErr error) Component {
	return NewComponent(name, func(context.Context) error {
		r.calls = append(r.calls, "start:"+name)
		return startErr
	}, func(context.Context) error {
		r.calls = append(r.calls, "stop:"+name)
		return stopErr
	})
}

func TestStartStopOrder(t *testing.T) {
	rec := &recorder{}
	s := New()
	s.Register(rec.component("a", nil, nil))
	s.Register(rec.component("b", nil, nil))

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !s.Running() {
		t.Fatal("expected running after start")
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	want := []string{"start:a", "start:b", "stop:b", "stop:a"}
	if !reflect.DeepEqual(rec.calls, want) {
		t.Fatalf("calls = %v, want %v", rec.calls, want)
	}
}

func TestStartFailureRollsBack(t *testing.T) {
	rec := &recorder{}
	boom := errors.New("listen tcp :1123: bind: address already in use")
	s := New()
	s.Register(rec.component("request", nil, nil))
	s.Register(rec.component("push", boom, nil))

	err := s.Start(context.Background())
	if err != boom {
		t.Fatalf("expected the component error unchanged, got %v", err)
	}
	want := []string{"start:request", "start:push", "stop:request"}
	if !reflect.DeepEqual(rec.calls, want) {
		t.Fatalf("calls = %v, want %v", rec.calls, want)
	}
	if s.Running() {
		t.Fatal("supervisor should not report running after rollback")
	}

	// Nothing left to stop after a rollback.
	rec.calls = nil
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("stop after rollback: %v", err)
	}
	if len(rec.calls) != 0 {
		t.Fatalf("unexpected stop calls %v", rec.calls)
	}
}

func TestStopJoinsErrorsAndContinues(t *testing.T) {
	rec := &recorder{}
	s := New()
	s.Register(rec.component("a", nil, errors.New("a failed")))
	s.Register(rec.component("b", nil, errors.New("b failed")))
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	err := s.Stop(context.Background())
	if err == nil {
		t.Fatal("expected joined error")
	}
	if !strings.Contains(err.Error(), "a: a failed") || !strings.Contains(err.Error(), "b: b failed") {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestStopWithoutStartIsNoop(t *testing.T) {
	rec := &recorder{}
	s := New()
	s.Register(rec.component("a", nil, nil))
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if len(rec.calls) != 0 {
		t.Fatalf("unexpected calls %v", rec.calls)
	}
}

func TestRegisterAfterStartPanics(t *testing.T) {
	s := New()
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	s.Register(NewComponent("late", nil, nil))
}
