package sshclient

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// testServer is a minimal SSH server understanding three commands:
// "echo <text>", "fail" and "hang".
type testServer struct {
	addr    string
	hostKey ssh.Signer
	wg      sync.WaitGroup
}

func newKey(t *testing.T) (ssh.Signer, []byte) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)
	return signer, pem.EncodeToMemory(block)
}

func startServer(t *testing.T, clientKey ssh.PublicKey) *testServer {
	t.Helper()
	hostKey, _ := newKey(t)

	cfg := &ssh.ServerConfig{
		PublicKeyCallback: func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if bytes.Equal(key.Marshal(), clientKey.Marshal()) {
				return nil, nil
			}
			return nil, fmt.Errorf("unknown key")
		},
	}
	cfg.AddHostKey(hostKey)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &testServer{addr: ln.Addr().String(), hostKey: hostKey}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.serve(conn, cfg)
			}()
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		s.wg.Wait()
	})
	return s
}

func (s *testServer) serve(conn net.Conn, cfg *ssh.ServerConfig) {
	defer conn.Close()
	_, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		return
	}
	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "session only")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.session(channel, requests)
		}()
	}
}

func (s *testServer) session(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()
	for req := range requests {
		if req.Type != "exec" {
			_ = req.Reply(false, nil)
			continue
		}
		var payload struct{ Command string }
		if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
			_ = req.Reply(false, nil)
			return
		}
		_ = req.Reply(true, nil)

		status := uint32(0)
		switch {
		case payload.Command == "fail":
			fmt.Fprint(channel.Stderr(), "boom")
			status = 3
		case payload.Command == "hang":
			// Wait for the client to go away.
			for range requests {
			}
			return
		case len(payload.Command) > 5 && payload.Command[:5] == "echo ":
			fmt.Fprintln(channel, payload.Command[5:])
		}
		_, _ = channel.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
		return
	}
}

func dialTest(t *testing.T) (*SSHClient, *testServer, []byte) {
	t.Helper()
	clientKey, pemBytes := newKey(t)
	server := startServer(t, clientKey.PublicKey())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := Dial(ctx, Config{Host: server.addr, User: "deploy", PrivateKeyPEM: pemBytes})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client, server, pemBytes
}

func TestRun(t *testing.T) {
	client, _, _ := dialTest(t)
	ctx := context.Background()

	stdout, stderr, err := client.Run(ctx, "echo hello")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", stdout)
	assert.Empty(t, stderr)

	// The connection is reused across sessions.
	stdout, _, err = client.Run(ctx, "echo again")
	require.NoError(t, err)
	assert.Equal(t, "again\n", stdout)
}

func TestRun_ExitStatus(t *testing.T) {
	client, _, _ := dialTest(t)

	_, stderr, err := client.Run(context.Background(), "fail")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited with status 3")
	assert.Equal(t, "boom", stderr)
}

func TestRun_Cancelled(t *testing.T) {
	client, _, _ := dialTest(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, _, err := client.Run(ctx, "hang")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDial_Errors(t *testing.T) {
	clientKey, pemBytes := newKey(t)
	server := startServer(t, clientKey.PublicKey())
	ctx := context.Background()

	_, err := Dial(ctx, Config{Host: server.addr, User: "deploy", PrivateKeyPEM: []byte("not a key")})
	assert.ErrorContains(t, err, "failed to parse private key")

	_, otherPEM := newKey(t)
	_, err = Dial(ctx, Config{Host: server.addr, User: "deploy", PrivateKeyPEM: otherPEM})
	assert.ErrorContains(t, err, "ssh handshake")

	// A known_hosts file without the server's key rejects it.
	knownHosts := filepath.Join(t.TempDir(), "known_hosts")
	stranger, _ := newKey(t)
	line := knownhosts.Line([]string{server.addr}, stranger.PublicKey())
	require.NoError(t, os.WriteFile(knownHosts, []byte(line+"\n"), 0600))
	_, err = Dial(ctx, Config{Host: server.addr, User: "deploy", PrivateKeyPEM: pemBytes, KnownHostsFile: knownHosts})
	assert.ErrorContains(t, err, "ssh handshake")

	// With the right key it connects.
	line = knownhosts.Line([]string{server.addr}, server.hostKey.PublicKey())
	require.NoError(t, os.WriteFile(knownHosts, []byte(line+"\n"), 0600))
	client, err := Dial(ctx, Config{Host: server.addr, User: "deploy", PrivateKeyPEM: pemBytes, KnownHostsFile: knownHosts})
	require.NoError(t, err)
	client.Close()
}

func TestLoadPrivateKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(path, []byte("key"), 0600))

	data, err := LoadPrivateKey(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("key"), data)

	_, err = LoadPrivateKey(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}
