package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/archivist/internal/archive"
)

// startTestNATSServer starts an embedded NATS server for testing.
func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	}
	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()
	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})
	return server
}

func testJob() *archive.Job {
	return &archive.Job{
		ID:       "job-1",
		OwnerID:  "alice",
		Status:   archive.StatusParsing,
		Progress: 0.25,
		Counters: archive.Counters{MessagesParsed: 40, MessagesSkipped: 2},
	}
}

func TestNATSPublisher_Publish(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	sub, err := nc.SubscribeSync(OwnerWildcard("archivist.jobs", "alice"))
	require.NoError(t, err)
	other, err := nc.SubscribeSync(OwnerWildcard("archivist.jobs", "bob"))
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	p := NewNATSPublisher(nc, "", zaptest.NewLogger(t))
	require.NoError(t, p.Publish(context.Background(), FromJob(Progress, testJob())))
	require.NoError(t, nc.Flush())

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "archivist.jobs.alice.job-1.progress", msg.Subject)

	var ev Event
	require.NoError(t, json.Unmarshal(msg.Data, &ev))
	assert.Equal(t, Progress, ev.Type)
	assert.Equal(t, archive.StatusParsing, ev.Status)
	assert.Equal(t, 40, ev.Counters.MessagesParsed)
	assert.Nil(t, ev.Reason)

	_, err = other.NextMsg(100 * time.Millisecond)
	assert.ErrorIs(t, err, nats.ErrTimeout)

	require.NoError(t, p.Close())
	assert.True(t, nc.IsConnected(), "borrowed connection stays open")
}

func TestFromJob_FailedCarriesReason(t *testing.T) {
	job := testJob()
	job.Status = archive.StatusFailed
	job.ErrorKind = archive.KindCorruptArchive
	job.ErrorMessage = "zip: not a valid zip file"

	ev := FromJob(Failed, job)
	require.NotNil(t, ev.Reason)
	assert.Equal(t, archive.KindCorruptArchive, ev.Reason.Kind)
}

func TestConnect(t *testing.T) {
	p, err := Connect(NewDefaultConfig(), nil)
	require.NoError(t, err)
	assert.IsType(t, Nop{}, p)

	server := startTestNATSServer(t)
	cfg := NewDefaultConfig()
	cfg.Enabled = true
	cfg.URL = server.ClientURL()
	p, err = Connect(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, p.Publish(context.Background(), FromJob(Started, testJob())))
	assert.NoError(t, p.Close())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"disabled ignores url", func(c *Config) { c.URL = "" }, false},
		{"enabled", func(c *Config) { c.Enabled = true }, false},
		{"enabled without url", func(c *Config) { c.Enabled = true; c.URL = "" }, true},
		{"wildcard prefix", func(c *Config) { c.Enabled = true; c.SubjectPrefix = "jobs.>" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			if tt.wantErr {
				assert.Error(t, cfg.Validate())
			} else {
				assert.NoError(t, cfg.Validate())
			}
		})
	}
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "p.alice.j1.started", Subject("p", "alice", "j1", Started))
	assert.Equal(t, "p.a_b_c.j1.failed", Subject("p", "a.b*c", "j1", Failed))
	assert.Equal(t, "p._.j1.completed", Subject("p", "", "j1", Completed))
	assert.Equal(t, "p.x_y.>", OwnerWildcard("p", "x>y"))
}

func TestRecorder(t *testing.T) {
	r := &Recorder{}
	ctx := context.Background()
	require.NoError(t, r.Publish(ctx, Event{Type: Started, JobID: "a"}))
	require.NoError(t, r.Publish(ctx, Event{Type: Started, JobID: "b"}))
	require.NoError(t, r.Publish(ctx, Event{Type: Completed, JobID: "a"}))

	assert.Len(t, r.Events(""), 3)
	got := r.Events("a")
	require.Len(t, got, 2)
	assert.Equal(t, Completed, got[1].Type)
}

func TestSubscribe(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	_, err = Subscribe(nc, "", "")
	assert.Error(t, err)

	sub, err := Subscribe(nc, "", "alice")
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	p := NewNATSPublisher(nc, "", zaptest.NewLogger(t))
	job := testJob()
	require.NoError(t, p.Publish(context.Background(), FromJob(Started, job)))
	require.NoError(t, nc.Publish(Subject("archivist.jobs", "alice", job.ID, Progress), []byte("not json")))
	other := testJob()
	other.OwnerID = "bob"
	require.NoError(t, p.Publish(context.Background(), FromJob(Started, other)))
	job.Status = archive.StatusCompleted
	require.NoError(t, p.Publish(context.Background(), FromJob(Completed, job)))
	require.NoError(t, nc.Flush())

	var got []Event
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case ev := <-sub.Events():
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("received %d events, want 2", len(got))
		}
	}
	assert.Equal(t, Started, got[0].Type)
	assert.Equal(t, Completed, got[1].Type)
	assert.Equal(t, "alice", got[1].OwnerID)

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	assert.Eventually(t, func() bool {
		_, open := <-sub.Events()
		return !open
	}, time.Second, 10*time.Millisecond)
}
