package tunnel

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strconv"
	"syscall"

	"golang.org/x/crypto/ssh"

	"github.com/ssh-tunnel-manager/daemon/internal/logutil"
	"github.com/ssh-tunnel-manager/daemon/internal/profile"
	"github.com/ssh-tunnel-manager/daemon/internal/registry"
	"github.com/ssh-tunnel-manager/daemon/internal/tunnelerr"
)

// maxConsecutiveFailures is the number of consecutive direct-tcpip
// channel-open failures that kills the session, per spec.md §4.5.
const maxConsecutiveFailures = 3

func bindListener(p profile.Profile) (net.Listener, error) {
	addr := net.JoinHostPort(p.Forwarding.BindAddress, strconv.Itoa(p.Forwarding.LocalPort))
	if !isLoopback(p.Forwarding.BindAddress) {
		log.Printf("[tunnel] warning: binding %s to a non-loopback address", logutil.SanitizeForLog(addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if errors.Is(err, os.ErrPermission) || errors.Is(err, syscall.EACCES) {
			return nil, fmt.Errorf("%w: binding %s requires elevated privileges", tunnelerr.ErrPermissionDenied, addr)
		}
		return nil, fmt.Errorf("%w: %v", tunnelerr.ErrBindFailed, err)
	}
	return ln, nil
}

func isLoopback(host string) bool {
	if host == "" || host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// acceptLoop accepts inbound TCP connections on listener and forwards each
// over a fresh direct-tcpip channel, until the tunnel is asked to shut down
// or the session itself is declared dead.
func acceptLoop(h *registry.Handle, client *ssh.Client, listener net.Listener, p profile.Profile) error {
	type accepted struct {
		conn net.Conn
		err  error
	}
	// Buffered by 1, and abandoned once loopDone closes, so the accept
	// goroutine's final send (the error that listener.Close() produces once
	// this loop returns) never blocks forever on a receiver that has
	// already gone away.
	acceptCh := make(chan accepted, 1)
	loopDone := make(chan struct{})
	defer close(loopDone)
	go func() {
		for {
			conn, err := listener.Accept()
			select {
			case acceptCh <- accepted{conn, err}:
			case <-loopDone:
				if conn != nil {
					conn.Close()
				}
				return
			}
			if err != nil {
				return
			}
		}
	}()

	consecutiveFailures := 0
	for {
		select {
		case <-h.ShutdownCh():
			return nil

		case a := <-acceptCh:
			if a.err != nil {
				select {
				case <-h.ShutdownCh():
					return nil
				default:
				}
				return fmt.Errorf("tunnel: accept: %w", a.err)
			}

			channel, err := openDirectTCPIP(client, a.conn, p)
			if err != nil {
				a.conn.Close()
				consecutiveFailures++
				log.Printf("[tunnel] %s direct-tcpip open failed (%d/%d): %v", h.ID(), consecutiveFailures, maxConsecutiveFailures, err)
				if consecutiveFailures >= maxConsecutiveFailures {
					return fmt.Errorf("tunnel: %d consecutive forwarding failures, last: %w", consecutiveFailures, err)
				}
				continue
			}
			consecutiveFailures = 0
			go copyBidirectional(a.conn, channel)
		}
	}
}

// channelOpenDirectMsg is the direct-tcpip channel-open payload (RFC 4254
// §7.2). golang.org/x/crypto/ssh's Client.Dial convenience method does not
// let a caller set the originator address, so the channel is opened by
// hand here to carry the true inbound peer's address, per spec.md §4.5.
type channelOpenDirectMsg struct {
	Raddr string
	Rport uint32
	Laddr string
	Lport uint32
}

func openDirectTCPIP(client *ssh.Client, conn net.Conn, p profile.Profile) (ssh.Channel, error) {
	originatorHost, originatorPortStr, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		originatorHost, originatorPortStr = "127.0.0.1", "0"
	}
	originatorPort, _ := strconv.Atoi(originatorPortStr)

	msg := channelOpenDirectMsg{
		Raddr: p.Forwarding.RemoteHost,
		Rport: uint32(p.Forwarding.RemotePort),
		Laddr: originatorHost,
		Lport: uint32(originatorPort),
	}

	channel, reqs, err := client.OpenChannel("direct-tcpip", ssh.Marshal(&msg))
	if err != nil {
		return nil, err
	}
	go ssh.DiscardRequests(reqs)
	return channel, nil
}

// copyBidirectional pipes bytes between an accepted TCP connection and its
// direct-tcpip channel until either side is done, grounded on the teacher's
// internal/sshtunnel.bidirectionalCopy. Byte counts are logged through the
// standard logger, which has no debug level, once both copies return.
func copyBidirectional(conn net.Conn, channel ssh.Channel) {
	done := make(chan struct{}, 2)
	var sent, received int64
	go func() {
		sent, _ = io.Copy(channel, conn)
		done <- struct{}{}
	}()
	go func() {
		received, _ = io.Copy(conn, channel)
		done <- struct{}{}
	}()

	<-done
	conn.Close()
	channel.Close()
	<-done
	log.Printf("[tunnel] forwarded connection closed, sent=%d received=%d bytes", sent, received)
}
