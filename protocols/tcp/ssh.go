package tcp

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/lurepot/lurepot/connection"
	"github.com/lurepot/lurepot/producer"
	"github.com/lurepot/lurepot/protocols/interfaces"
)

// one host key per process; regenerating it per connection would both waste
// CPU and look suspicious to repeat visitors
var (
	sshHostKeyOnce sync.Once
	sshHostKey     ssh.Signer
	sshHostKeyErr  error
)

func sshSigner() (ssh.Signer, error) {
	sshHostKeyOnce.Do(func() {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			sshHostKeyErr = err
			return
		}
		sshHostKey, sshHostKeyErr = ssh.NewSignerFromKey(key)
	})
	return sshHostKey, sshHostKeyErr
}

// HandleSSH runs a real SSH transport so password attempts arrive decrypted.
// Every attempt is captured; the configured pair is allowed through to a
// session that immediately disconnects.
func HandleSSH(ctx context.Context, conn net.Conn, md connection.Metadata, logger interfaces.Logger, h interfaces.Honeypot) error {
	defer func() {
		if err := conn.Close(); err != nil {
			logger.Debug("failed to close SSH connection", slog.String("protocol", "ssh"), producer.ErrAttr(err))
		}
	}()

	signer, err := sshSigner()
	if err != nil {
		return fmt.Errorf("ssh host key: %w", err)
	}

	serverVersion := bannerOr(md, "SSH-2.0-OpenSSH_9.2p1 Debian-2")
	if !strings.HasPrefix(serverVersion, "SSH-2.0-") {
		serverVersion = "SSH-2.0-" + serverVersion
	}

	captured := false
	config := &ssh.ServerConfig{
		ServerVersion: serverVersion,
		MaxAuthTries:  md.Instance.MaxRetries,
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			captured = true
			h.Emit(*credentialEvent(conn, md, c.User(), string(pass)))
			if md.Instance.MatchesLogin(c.User(), string(pass)) {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("password rejected for %q", c.User())
		},
	}
	config.AddHostKey(signer)

	if err := h.UpdateConnectionTimeout(ctx, conn); err != nil {
		return err
	}
	sshConn, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		if !captured {
			h.Emit(*abandonedEvent(conn, md, nil))
		}
		return nil
	}
	defer sshConn.Close()
	go ssh.DiscardRequests(reqs)

	// a matched login gets a transport but no shell
	for newChannel := range chans {
		if err := newChannel.Reject(ssh.Prohibited, "administratively prohibited"); err != nil {
			return nil
		}
	}
	return nil
}
