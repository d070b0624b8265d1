package rpool

import (
	"bufio"
	"io"
	"net"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

// Driver opens, validates and tears down links to backend servers, and can
// spawn or terminate the server processes themselves. The production driver
// speaks to Rserve; tests substitute their own.
type Driver interface {
	// Open connects to the endpoint, authenticating with the endpoint's
	// credentials when the server demands a login, and returns a live handle.
	Open(endpoint ServerEndpoint) (Connection, error)

	// Validate reports whether the endpoint currently accepts connections.
	// It never returns an error; unreachable means false.
	Validate(endpoint ServerEndpoint) bool

	// ShutdownServer opens a temporary link and asks the server process to
	// exit.
	ShutdownServer(endpoint ServerEndpoint) error

	// Startup launches a server process for the endpoint, locally or over a
	// remote shell when the endpoint is not this machine. Process output is
	// piped to the log. The returned channel yields the process exit code.
	Startup(endpoint ServerEndpoint, command string) (<-chan int, error)
}

// NewDriver creates the Rserve driver.
func NewDriver() Driver {
	return &rserveDriver{}
}

type rserveDriver struct{}

const dialTimeout = 10 * time.Second

func (d *rserveDriver) Open(endpoint ServerEndpoint) (Connection, error) {

	client, err := dialQAP1(endpoint, dialTimeout)
	if err != nil {
		return nil, err
	}

	conn := newRserveConnection(endpoint, client)
	log().Debug("opened connection",
		zap.String("endpoint", endpoint.String()),
		zap.String("connectionID", conn.ID()))

	return conn, nil
}

func (d *rserveDriver) Validate(endpoint ServerEndpoint) bool {

	conn, err := d.Open(endpoint)
	if err != nil {
		return false
	}

	up := conn.IsConnected()
	_ = conn.Close()
	return up
}

func (d *rserveDriver) ShutdownServer(endpoint ServerEndpoint) error {

	log().Info("sending shutdown", zap.String("endpoint", endpoint.String()))

	client, err := dialQAP1(endpoint, dialTimeout)
	if err != nil {
		return err
	}
	defer client.close()

	if err = client.shutdown(); err != nil {
		return connectError(endpoint, err)
	}

	log().Info("shutdown message sent", zap.String("endpoint", endpoint.String()))
	return nil
}

func (d *rserveDriver) Startup(endpoint ServerEndpoint, command string) (<-chan int, error) {

	log().Info("starting server",
		zap.String("endpoint", endpoint.String()),
		zap.String("command", command))

	args := buildStartupArgs(command, endpoint.Port())

	if isLocalEndpoint(endpoint.Host()) {
		return startLocal(endpoint, args)
	}
	return startRemote(endpoint, args)
}

// buildStartupArgs splits the configured command line and appends the port
// the server should listen on.
func buildStartupArgs(command string, port int) []string {
	args := strings.Fields(command)
	return append(args, "--RS-port", strconv.Itoa(port))
}

func startLocal(endpoint ServerEndpoint, args []string) (<-chan int, error) {

	cmd := exec.Command(args[0], args[1:]...)

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		return nil, connectError(endpoint, err)
	}

	go pipeProcessOutput(endpoint, pr)

	exitCh := make(chan int, 1)
	go func() {
		err := cmd.Wait()
		_ = pw.Close()

		code := 0
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else if err != nil {
			code = -1
		}

		log().Info("server process terminated",
			zap.String("endpoint", endpoint.String()),
			zap.Int("exitCode", code))
		exitCh <- code
		close(exitCh)
	}()

	return exitCh, nil
}

func startRemote(endpoint ServerEndpoint, args []string) (<-chan int, error) {

	username := endpoint.Username()
	if username == "" {
		if current, err := user.Current(); err == nil {
			username = current.Username
		}
	}

	config := &ssh.ClientConfig{
		User:            username,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         dialTimeout,
	}
	if endpoint.Password() != "" {
		config.Auth = []ssh.AuthMethod{ssh.Password(endpoint.Password())}
	}

	client, err := ssh.Dial("tcp", net.JoinHostPort(endpoint.Host(), "22"), config)
	if err != nil {
		return nil, connectError(endpoint, err)
	}

	session, err := client.NewSession()
	if err != nil {
		_ = client.Close()
		return nil, connectError(endpoint, err)
	}

	pr, pw := io.Pipe()
	session.Stdout = pw
	session.Stderr = pw

	if err = session.Start(strings.Join(args, " ")); err != nil {
		_ = session.Close()
		_ = client.Close()
		return nil, connectError(endpoint, err)
	}

	go pipeProcessOutput(endpoint, pr)

	exitCh := make(chan int, 1)
	go func() {
		err := session.Wait()
		_ = pw.Close()
		_ = session.Close()
		_ = client.Close()

		code := 0
		if exitErr, ok := err.(*ssh.ExitError); ok {
			code = exitErr.ExitStatus()
		} else if err != nil {
			code = -1
		}

		log().Info("remote server process terminated",
			zap.String("endpoint", endpoint.String()),
			zap.Int("exitCode", code))
		exitCh <- code
		close(exitCh)
	}()

	return exitCh, nil
}

func pipeProcessOutput(endpoint ServerEndpoint, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		log().Debug("server output",
			zap.String("endpoint", endpoint.String()),
			zap.String("line", scanner.Text()))
	}
}

// isLocalEndpoint reports whether the host names this machine. It compares
// against the loopback names, the machine hostname, and the addresses bound
// to local interfaces.
func isLocalEndpoint(host string) bool {

	switch host {
	case "localhost", "127.0.0.1", "::1":
		return true
	}

	if hostname, err := os.Hostname(); err == nil && strings.EqualFold(host, hostname) {
		return true
	}

	remoteIPs, err := net.LookupIP(host)
	if err != nil {
		return false
	}

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return false
	}

	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		for _, remoteIP := range remoteIPs {
			if ipNet.IP.Equal(remoteIP) {
				return true
			}
		}
	}
	return false
}
