package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smnsjas/go-ogconnector/channel"
	"github.com/smnsjas/go-ogconnector/config"
	"github.com/smnsjas/go-ogconnector/connector"
	"github.com/smnsjas/go-ogconnector/messages"
)

func TestParseCommandLine(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		want    []string
		wantErr bool
	}{
		{name: "plain", line: "dotnet peer.dll", want: []string{"dotnet", "peer.dll"}},
		{name: "quoted", line: `java -cp "lib/*" Main`, want: []string{"java", "-cp", "lib/*", "Main"}},
		{name: "escaped space", line: `/opt/og\ peer/run --fast`, want: []string{"/opt/og peer/run", "--fast"}},
		{name: "empty", line: "   ", wantErr: true},
		{name: "unterminated quote", line: `run "oops`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseCommandLine(tt.line)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBuildMessage(t *testing.T) {
	msg, err := buildMessage("Function", nil)
	require.NoError(t, err)
	assert.Equal(t, "Function", msg.Class())

	msg, err = buildMessage("Function", []string{`{"name":"SUM","class":"Other"}`})
	require.NoError(t, err)
	assert.Equal(t, "Function", msg.Class())
	assert.Equal(t, "SUM", msg.Get("name").String())

	_, err = buildMessage("Function", []string{`[1,2]`})
	assert.ErrorIs(t, err, messages.ErrNotObject)
	_, err = buildMessage("Function", []string{`{`})
	assert.ErrorIs(t, err, messages.ErrInvalidMessage)
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(&out)
	root.SetErr(&errOut)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

func TestConfigCommand(t *testing.T) {
	out, err := run(t, "--socket", "/tmp/elsewhere.sock", "config")
	require.NoError(t, err)
	assert.Contains(t, out, "/tmp/elsewhere.sock")
	assert.Contains(t, out, "[dispatch]")
}

// cat echoes every frame, so a request comes back carrying its own handle
// and resolves the call.
func TestCallThroughExecPeer(t *testing.T) {
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat not available")
	}

	out, err := run(t, "--exec", "cat", "call", "--timeout", "5s", "Function", `{"name":"SUM"}`)
	require.NoError(t, err)

	reply, err := messages.Parse(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "Function", reply.Class())
	assert.Equal(t, "SUM", reply.Get("name").String())
	_, ok := reply.Handle()
	assert.True(t, ok)
}

func TestCallWithoutPeer(t *testing.T) {
	t.Setenv("OGCONNECTOR_CALLS_STARTUP_TIMEOUT", "200ms")
	_, err := run(t, "--socket", t.TempDir()+"/none.sock", "call", "Function")
	assert.Error(t, err)
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "ogconnect "))
}

func TestSignalOnceToleratesRepeatedRuns(t *testing.T) {
	hook, fired := signalOnce()
	assert.NotPanics(t, func() {
		hook()
		hook()
	})
	select {
	case <-fired:
	default:
		t.Fatal("channel not closed")
	}
}

// A peer that ignores EOF on stdin must not hold up Stop or the final
// Release; it is killed in the background once the grace period ends.
func TestStopDoesNotWaitForStubbornPeer(t *testing.T) {
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	spawn, err := execDialer("sleep 30", 100*time.Millisecond, logger)
	require.NoError(t, err)

	pipes := make(chan *processPipes, 4)
	dial := func(ctx context.Context) (io.ReadWriteCloser, error) {
		conn, err := spawn(ctx)
		if err == nil {
			pipes <- conn.(*processPipes)
		}
		return conn, err
	}

	cfg := config.Default()
	cfg.Connection.MaxRetries = 0
	c, err := connector.Start("test",
		connector.WithConfig(cfg),
		connector.WithDialer(dial),
		connector.WithLogger(logger),
	)
	require.NoError(t, err)
	require.NoError(t, c.WaitForStartup(5*time.Second))
	peer := <-pipes

	start := time.Now()
	assert.True(t, c.Stop())
	c.Release()
	assert.Less(t, time.Since(start), time.Second, "shutdown waited for the peer process")

	select {
	case <-peer.exited:
	case <-time.After(5 * time.Second):
		t.Fatal("peer process was not reaped")
	}
	require.NotNil(t, peer.cmd.ProcessState)
	assert.False(t, peer.cmd.ProcessState.Success(), "peer should have been killed")
	assert.NotEqual(t, channel.StateRunning, c.State())
}
