package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/net/websocket"

	"github.com/robotalks/rrbus/pkg/comm"
	"github.com/robotalks/rrbus/pkg/eeprom"
	fx "github.com/robotalks/rrbus/pkg/framework"
	"github.com/robotalks/rrbus/pkg/hal"
	"github.com/robotalks/rrbus/pkg/node"
	"github.com/robotalks/rrbus/pkg/transport"
)

var (
	listenAddr   = ":7000"
	wsAddr       = ""
	nodeList     = "5"
	eepromDir    = ""
	servoCount   = 4
	tickInterval = time.Millisecond
	combinations = false
)

func init() {
	flag.StringVar(&listenAddr, "listen", listenAddr, "TCP address serving the bus, empty to disable")
	flag.StringVar(&wsAddr, "ws", wsAddr, "HTTP address serving the bus as websocket on /bus")
	flag.StringVar(&nodeList, "nodes", nodeList, "Comma separated node addresses")
	flag.StringVar(&eepromDir, "eeprom-dir", eepromDir, "Directory keeping node memories, in memory if empty")
	flag.IntVar(&servoCount, "servos", servoCount, "Servos per node")
	flag.DurationVar(&tickInterval, "tick", tickInterval, "Sensor tick interval")
	flag.BoolVar(&combinations, "combinations", combinations, "Enable turnout combinations")
}

// tap feeds one node with the bytes received from the master.
type tap struct {
	ch      chan []byte
	pending []byte
}

func (t *tap) Read(p []byte) (int, error) {
	if len(t.pending) == 0 {
		select {
		case data := <-t.ch:
			t.pending = data
		case <-time.After(transport.DefaultPollInterval):
			return 0, nil
		}
	}
	n := copy(p, t.pending)
	t.pending = t.pending[n:]
	return n, nil
}

// line is the shared wire: answers of all nodes go to the connected
// master, or nowhere.
type line struct {
	lock sync.Mutex
	w    io.Writer
	conn io.Closer
	taps []*tap

	session sync.Mutex
}

func (l *line) Write(p []byte) (int, error) {
	l.lock.Lock()
	defer l.lock.Unlock()
	if l.w == nil {
		return len(p), nil
	}
	return l.w.Write(p)
}

func (l *line) attach(conn io.ReadWriteCloser) {
	l.lock.Lock()
	l.w, l.conn = conn, conn
	l.lock.Unlock()
}

// hangUp closes the connection of the master being served.
func (l *line) hangUp() {
	l.lock.Lock()
	defer l.lock.Unlock()
	if l.conn != nil {
		l.conn.Close()
	}
}

// serve connects a master until its connection fails. Only one master
// is served at a time.
func (l *line) serve(conn io.ReadWriteCloser, name string) {
	l.session.Lock()
	defer l.session.Unlock()
	glog.Infof("master %s connected", name)
	l.attach(conn)
	defer l.attach(nil)
	buf := make([]byte, comm.MaxFrameLen)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			glog.Infof("master %s disconnected: %v", name, err)
			return
		}
		for _, t := range l.taps {
			data := make([]byte, n)
			copy(data, buf[:n])
			t.ch <- data
		}
	}
}

func (l *line) addNode(addr byte) (fx.Runnable, error) {
	var mem eeprom.Memory = eeprom.NewImage(eeprom.DefaultSize)
	if eepromDir != "" {
		file, err := eeprom.OpenFile(filepath.Join(eepromDir, fmt.Sprintf("node-%d.eeprom", addr)), eeprom.DefaultSize)
		if err != nil {
			return nil, err
		}
		mem = file
	}
	n, err := node.New(mem, l, hal.NewSimPins(), hal.NewSimServos(servoCount),
		node.Options{Address: addr, Combinations: combinations})
	if err != nil {
		return nil, err
	}
	// errors are logged, the node runs with what was loaded
	n.Boot()
	t := &tap{ch: make(chan []byte, 64)}
	l.taps = append(l.taps, t)
	return fx.NamedRun(fmt.Sprintf("node-%d", addr), fx.RunFunc(func(ctx context.Context) error {
		err := n.Run(ctx, t, tickInterval)
		if closer, ok := mem.(io.Closer); ok {
			if cerr := closer.Close(); cerr != nil {
				glog.Errorf("node %d: eeprom: %v", addr, cerr)
			}
		}
		return err
	})), nil
}

func parseNodes(s string) ([]byte, error) {
	var addrs []byte
	for _, part := range strings.Split(s, ",") {
		v, err := strconv.ParseUint(strings.TrimSpace(part), 10, 8)
		if err != nil || !comm.ValidAddress(byte(v)) {
			return nil, fmt.Errorf("invalid node address %q", part)
		}
		addrs = append(addrs, byte(v))
	}
	return addrs, nil
}

func (l *line) serveTCP(ctx context.Context) error {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return err
	}
	glog.Infof("serving bus on tcp %s", ln.Addr())
	return fx.RunWithContextCancel(ctx, func() {
		ln.Close()
		l.hangUp()
	}, func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return err
			}
			l.serve(conn, conn.RemoteAddr().String())
			conn.Close()
		}
	})
}

func (l *line) serveWebSocket(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/bus", websocket.Handler(func(ws *websocket.Conn) {
		ws.PayloadType = websocket.BinaryFrame
		l.serve(ws, ws.Request().RemoteAddr)
	}))
	srv := &http.Server{Addr: wsAddr, Handler: mux}
	glog.Infof("serving bus on ws://%s/bus", wsAddr)
	return fx.RunWithContextCancel(ctx, func() {
		srv.Close()
		l.hangUp()
	}, srv.ListenAndServe)
}

func main() {
	flag.Parse()
	defer glog.Flush()

	addrs, err := parseNodes(nodeList)
	if err != nil {
		glog.Exit(err)
	}
	l := &line{}
	runner := fx.NewRunner().HandleSignals()
	for _, addr := range addrs {
		r, err := l.addNode(addr)
		if err != nil {
			glog.Exitf("node %d: %v", addr, err)
		}
		runner.Go(r)
	}
	if listenAddr != "" {
		runner.Go(fx.NamedRun("tcp", fx.RunFunc(l.serveTCP)))
	}
	if wsAddr != "" {
		runner.Go(fx.NamedRun("websocket", fx.RunFunc(l.serveWebSocket)))
	}
	if err := runner.Wait(); err != nil {
		glog.Error(err)
	}
}
