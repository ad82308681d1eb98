package commands

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"

	"github.com/mscno/roomsync/pkg/directory"
	"github.com/mscno/roomsync/pkg/listener"
	"github.com/mscno/roomsync/server"
	"github.com/mscno/roomsync/testutl"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func getStatus(addr string) (server.Status, bool) {
	resp, err := http.Get("http://" + addr + "/status")
	if err != nil {
		return server.Status{}, false
	}
	defer resp.Body.Close()
	var status server.Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return server.Status{}, false
	}
	return status, true
}

func TestListenCmd(t *testing.T) {
	fake := testutl.NewFakeChat(t)
	ctx, _ := testCtx(t)
	conn := directoryFixture()
	conn.Add("ou=people,"+testBase, "(uid=jdoe)",
		directory.NewEntry("uid=jdoe,ou=people,"+testBase, map[string][]string{
			"uid":                         {"jdoe"},
			"displayName":                 {"Jane Doe"},
			"eduPersonPrimaryAffiliation": {"staff"},
			"supannEntiteAffectation":     {"U09"},
		}),
	)
	ctx.DirectoryConn = conn

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx.Context = runCtx

	addr := testutl.LocalAddr()
	cmd := &ListenCmd{
		SyncFlags:       SyncFlags{RoomAffiliations: []string{"staff"}},
		Policy:          "exit",
		RefreshInterval: time.Hour,
		StatusAddr:      addr,
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Run(ctx, syncGlobals(fake)) }()

	waitFor(t, "realtime subscription", func() bool { return fake.RealtimeSessions() == 1 })
	waitFor(t, "healthy status", func() bool {
		status, ok := getStatus(addr)
		return ok && status.Healthy
	})

	assert.Equal(t, 1, fake.Online("u-jdoe", "jdoe"))
	waitFor(t, "jdoe synchronized", func() bool {
		status, ok := getStatus(addr)
		return ok && status.Reconciled == 1
	})
	assert.Equal(t, []string{"DSIUN"}, fake.Rooms("jdoe"))

	status, ok := getStatus(addr)
	assert.True(t, ok)
	assert.Equal(t, "streaming", status.State)
	assert.Equal(t, 2, status.Units)
	assert.Equal(t, 1, status.Events)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("listen did not stop")
	}
}

func TestListenCmdExitsOnRejectedToken(t *testing.T) {
	fake := testutl.NewFakeChat(t)
	ctx, _ := testCtx(t)
	ctx.DirectoryConn = directoryFixture()

	g := syncGlobals(fake)
	g.Chat.Token = "revoked"
	cmd := &ListenCmd{SyncFlags: SyncFlags{RoomAffiliations: []string{"staff"}}, Policy: "exit"}
	err := cmd.Run(ctx, g)
	assert.IsError(t, err, listener.ErrDisconnected)
	assert.Equal(t, 0, fake.RealtimeSessions())
}
