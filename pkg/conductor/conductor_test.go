package conductor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.events...)
}

type fakeService struct {
	name string
	rec  *recorder
	err  error
}

func (f fakeService) Run(started, stopped chan bool, stop chan context.Context) error {
	if f.err != nil {
		return f.err
	}
	go func() {
		f.rec.add("start " + f.name)
		started <- true
		<-stop
		f.rec.add("stop " + f.name)
		stopped <- true
	}()
	return nil
}

func TestStartStopOrder(t *testing.T) {
	rec := &recorder{}
	c := NewConductor(ShutdownTimeout(time.Second))
	c.Service("a", fakeService{name: "a", rec: rec})
	c.Service("b", fakeService{name: "b", rec: rec})

	done := c.Start()
	c.Stop()
	c.Stop()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("conductor did not shut down")
	}
	require.Equal(t, []string{"start a", "start b", "stop b", "stop a"}, rec.list())
}

func TestFailedStartStopsEarlierServices(t *testing.T) {
	rec := &recorder{}
	c := NewConductor(ShutdownTimeout(time.Second))
	c.Service("a", fakeService{name: "a", rec: rec})
	c.Service("broken", fakeService{name: "broken", rec: rec, err: errors.New("boom")})
	c.Service("never", fakeService{name: "never", rec: rec})

	select {
	case <-c.Start():
	case <-time.After(3 * time.Second):
		t.Fatal("conductor did not shut down after a failed start")
	}
	require.Equal(t, []string{"start a", "stop a"}, rec.list())
}
