// Package fakesink provides an in-process Redis-protocol server for testing
// the writer and engine. It keeps per-database state in memory, supports the
// command subset the bridge emits, and can inject connection failures at a
// chosen point so reconnect and replay paths can be exercised without a real
// Redis.
package fakesink

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
)

// DB is the state of one numbered logical database.
type DB struct {
	Strings map[string]string
	Hashes  map[string]map[string]string
	Sets    map[string]map[string]struct{}
	ZSets   map[string]map[string]float64
	Lists   map[string][]string
	Expires map[string]int64
}

func newDB() *DB {
	return &DB{
		Strings: make(map[string]string),
		Hashes:  make(map[string]map[string]string),
		Sets:    make(map[string]map[string]struct{}),
		ZSets:   make(map[string]map[string]float64),
		Lists:   make(map[string][]string),
		Expires: make(map[string]int64),
	}
}

func (d *DB) deleteKey(key string) {
	delete(d.Strings, key)
	delete(d.Hashes, key)
	delete(d.Sets, key)
	delete(d.ZSets, key)
	delete(d.Lists, key)
	delete(d.Expires, key)
}

// Server is a fake Redis-protocol sink. Zero value is not usable; call New.
type Server struct {
	ln net.Listener

	mu       sync.Mutex
	dbs      map[int]*DB
	password string

	// failAfter drops the connection once this many commands have been
	// processed across the server's lifetime, then disarms so the replay
	// over a fresh connection can succeed. Zero disables injection.
	failAfter int
	commands  int

	// Log records every executed command in order, including SELECT and
	// AUTH, for assertions on routing and replay.
	log [][]string
}

func New() (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &Server{
		ln:  ln,
		dbs: make(map[int]*DB),
	}
	go s.acceptLoop()
	return s, nil
}

func (s *Server) Addr() string { return s.ln.Addr().String() }

func (s *Server) Close() error { return s.ln.Close() }

// RequirePassword makes AUTH mandatory with the given password.
func (s *Server) RequirePassword(pw string) {
	s.mu.Lock()
	s.password = pw
	s.mu.Unlock()
}

// FailAfter injects a single dropped connection after n total commands.
func (s *Server) FailAfter(n int) {
	s.mu.Lock()
	s.failAfter = n
	s.mu.Unlock()
}

// DBSnapshot returns a deep copy of one database's state.
func (s *Server) DBSnapshot(index int) DB {
	s.mu.Lock()
	defer s.mu.Unlock()
	db, ok := s.dbs[index]
	if !ok {
		return *newDB()
	}
	out := *newDB()
	for k, v := range db.Strings {
		out.Strings[k] = v
	}
	for k, fields := range db.Hashes {
		m := make(map[string]string, len(fields))
		for f, v := range fields {
			m[f] = v
		}
		out.Hashes[k] = m
	}
	for k, members := range db.Sets {
		m := make(map[string]struct{}, len(members))
		for mem := range members {
			m[mem] = struct{}{}
		}
		out.Sets[k] = m
	}
	for k, members := range db.ZSets {
		m := make(map[string]float64, len(members))
		for mem, score := range members {
			m[mem] = score
		}
		out.ZSets[k] = m
	}
	for k, items := range db.Lists {
		out.Lists[k] = append([]string(nil), items...)
	}
	for k, v := range db.Expires {
		out.Expires[k] = v
	}
	return out
}

// CommandLog returns the executed commands in order.
func (s *Server) CommandLog() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]string, len(s.log))
	for i, cmd := range s.log {
		out[i] = append([]string(nil), cmd...)
	}
	return out
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.serveConn(conn)
	}
}

type connState struct {
	db     int
	authed bool
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()
	br := bufio.NewReader(conn)
	bw := bufio.NewWriter(conn)
	st := &connState{}
	for {
		args, err := readCommand(br)
		if err != nil {
			return
		}
		reply, drop := s.execute(st, args)
		if drop {
			return
		}
		if _, err := bw.WriteString(reply); err != nil {
			return
		}
		if br.Buffered() == 0 {
			if err := bw.Flush(); err != nil {
				return
			}
		}
	}
}

// readCommand parses one RESP array of bulk strings.
func readCommand(br *bufio.Reader) ([]string, error) {
	line, err := readLine(br)
	if err != nil {
		return nil, err
	}
	if len(line) == 0 || line[0] != '*' {
		return nil, fmt.Errorf("fakesink: expected array, got %q", line)
	}
	n, err := strconv.Atoi(line[1:])
	if err != nil || n < 1 {
		return nil, fmt.Errorf("fakesink: bad array header %q", line)
	}
	args := make([]string, 0, n)
	for i := 0; i < n; i++ {
		hdr, err := readLine(br)
		if err != nil {
			return nil, err
		}
		if len(hdr) == 0 || hdr[0] != '$' {
			return nil, fmt.Errorf("fakesink: expected bulk string, got %q", hdr)
		}
		size, err := strconv.Atoi(hdr[1:])
		if err != nil || size < 0 {
			return nil, fmt.Errorf("fakesink: bad bulk header %q", hdr)
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(br, buf); err != nil {
			return nil, err
		}
		args = append(args, string(buf[:size]))
	}
	return args, nil
}

func readLine(br *bufio.Reader) (string, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// execute runs one command under the server lock. The second return value
// requests an injected connection drop.
func (s *Server) execute(st *connState, args []string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.commands++
	if s.failAfter > 0 && s.commands > s.failAfter {
		s.failAfter = 0
		return "", true
	}

	name := strings.ToUpper(args[0])
	s.log = append(s.log, append([]string{name}, args[1:]...))

	if s.password != "" && !st.authed && name != "AUTH" {
		return "-NOAUTH Authentication required.\r\n", false
	}

	switch name {
	case "AUTH":
		if len(args) != 2 || args[1] != s.password {
			return "-ERR invalid password\r\n", false
		}
		st.authed = true
		return "+OK\r\n", false
	case "SELECT":
		idx, err := strconv.Atoi(args[1])
		if err != nil || idx < 0 {
			return "-ERR invalid DB index\r\n", false
		}
		st.db = idx
		return "+OK\r\n", false
	case "FLUSHDB":
		s.dbs[st.db] = newDB()
		return "+OK\r\n", false
	}

	db, ok := s.dbs[st.db]
	if !ok {
		db = newDB()
		s.dbs[st.db] = db
	}
	reply, err := applyData(db, name, args[1:])
	if err != nil {
		return "-ERR " + err.Error() + "\r\n", false
	}
	return reply, false
}

func applyData(db *DB, name string, args []string) (string, error) {
	switch name {
	case "SET":
		db.deleteKey(args[0])
		db.Strings[args[0]] = args[1]
		return "+OK\r\n", nil
	case "DEL":
		n := 0
		for _, key := range args {
			if _, ok := db.Strings[key]; ok {
				n++
			} else if _, ok := db.Hashes[key]; ok {
				n++
			} else if _, ok := db.Sets[key]; ok {
				n++
			} else if _, ok := db.ZSets[key]; ok {
				n++
			} else if _, ok := db.Lists[key]; ok {
				n++
			}
			db.deleteKey(key)
		}
		return fmt.Sprintf(":%d\r\n", n), nil
	case "HSET":
		h, ok := db.Hashes[args[0]]
		if !ok {
			h = make(map[string]string)
			db.Hashes[args[0]] = h
		}
		added := 0
		for i := 1; i+1 < len(args); i += 2 {
			if _, exists := h[args[i]]; !exists {
				added++
			}
			h[args[i]] = args[i+1]
		}
		return fmt.Sprintf(":%d\r\n", added), nil
	case "HDEL":
		h := db.Hashes[args[0]]
		n := 0
		for _, field := range args[1:] {
			if _, ok := h[field]; ok {
				delete(h, field)
				n++
			}
		}
		if len(h) == 0 {
			delete(db.Hashes, args[0])
		}
		return fmt.Sprintf(":%d\r\n", n), nil
	case "SADD":
		set, ok := db.Sets[args[0]]
		if !ok {
			set = make(map[string]struct{})
			db.Sets[args[0]] = set
		}
		added := 0
		for _, member := range args[1:] {
			if _, exists := set[member]; !exists {
				set[member] = struct{}{}
				added++
			}
		}
		return fmt.Sprintf(":%d\r\n", added), nil
	case "SREM":
		set := db.Sets[args[0]]
		n := 0
		for _, member := range args[1:] {
			if _, ok := set[member]; ok {
				delete(set, member)
				n++
			}
		}
		if len(set) == 0 {
			delete(db.Sets, args[0])
		}
		return fmt.Sprintf(":%d\r\n", n), nil
	case "ZADD":
		z, ok := db.ZSets[args[0]]
		if !ok {
			z = make(map[string]float64)
			db.ZSets[args[0]] = z
		}
		added := 0
		for i := 1; i+1 < len(args); i += 2 {
			score, err := strconv.ParseFloat(args[i], 64)
			if err != nil {
				return "", fmt.Errorf("value is not a valid float")
			}
			if _, exists := z[args[i+1]]; !exists {
				added++
			}
			z[args[i+1]] = score
		}
		return fmt.Sprintf(":%d\r\n", added), nil
	case "ZREM":
		z := db.ZSets[args[0]]
		n := 0
		for _, member := range args[1:] {
			if _, ok := z[member]; ok {
				delete(z, member)
				n++
			}
		}
		if len(z) == 0 {
			delete(db.ZSets, args[0])
		}
		return fmt.Sprintf(":%d\r\n", n), nil
	case "LPUSH":
		for _, v := range args[1:] {
			db.Lists[args[0]] = append([]string{v}, db.Lists[args[0]]...)
		}
		return fmt.Sprintf(":%d\r\n", len(db.Lists[args[0]])), nil
	case "RPUSH":
		db.Lists[args[0]] = append(db.Lists[args[0]], args[1:]...)
		return fmt.Sprintf(":%d\r\n", len(db.Lists[args[0]])), nil
	case "LPOP":
		items := db.Lists[args[0]]
		if len(items) == 0 {
			return "$-1\r\n", nil
		}
		head := items[0]
		db.Lists[args[0]] = items[1:]
		if len(db.Lists[args[0]]) == 0 {
			delete(db.Lists, args[0])
		}
		return fmt.Sprintf("$%d\r\n%s\r\n", len(head), head), nil
	case "RPOP":
		items := db.Lists[args[0]]
		if len(items) == 0 {
			return "$-1\r\n", nil
		}
		tail := items[len(items)-1]
		db.Lists[args[0]] = items[:len(items)-1]
		if len(db.Lists[args[0]]) == 0 {
			delete(db.Lists, args[0])
		}
		return fmt.Sprintf("$%d\r\n%s\r\n", len(tail), tail), nil
	case "PEXPIREAT":
		at, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return "", fmt.Errorf("value is not an integer")
		}
		db.Expires[args[0]] = at
		return ":1\r\n", nil
	default:
		return "", fmt.Errorf("unknown command '%s'", strings.ToLower(name))
	}
}
