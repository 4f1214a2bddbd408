// Package config reads the buddies' key/value configuration file and CLI
// flags: external collaborators that hand the relay engine a listen port,
// peer address, and server/database addresses.
package config

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Debug level bits for the -d CLI flag.
const (
	DebugL1Basic  = 1 << 0 // basic status lines
	DebugL2FDList = 1 << 1 // list of tracked descriptors
	DebugL3Hex    = 1 << 2 // hex dump of frames
)

// Default port, config path, buffer size and listen backlog.
const (
	DefaultListenPort   = 7777
	DefaultConfigPath   = "config.dat"
	DefaultBufferSize   = 2048
	DefaultListenBacklog = 128
)

// Flags holds the parsed CLI overrides. ParseFlags skips unknown flags and
// stray arguments and keeps parsing the arguments after them.
type Flags struct {
	DebugLevel    int
	ListenPort    int
	ConfigPath    string
	BufferSize    int
	ListenBacklog int
}

// ParseFlags registers and parses the buddies' CLI flags: -d, -p, -fn, -bs,
// -bl. All are optional and order-independent, matching flag's own parsing.
func ParseFlags(args []string) Flags {
	fs := flag.NewFlagSet("buddy", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	f := Flags{}
	fs.IntVar(&f.DebugLevel, "d", 0, "bitwise-OR'd debug level")
	fs.IntVar(&f.ListenPort, "p", 0, "override listen port")
	fs.StringVar(&f.ConfigPath, "fn", "", "override config-file path")
	fs.IntVar(&f.BufferSize, "bs", 0, "override receive buffer size")
	fs.IntVar(&f.ListenBacklog, "bl", 0, "override listen backlog")

	// flag stops at the first unknown flag, malformed value or positional
	// argument; skip past it and resume, rather than exit(2) or drop the
	// flags that follow.
	for len(args) > 0 {
		if err := fs.Parse(args); err == nil {
			if fs.NArg() == 0 {
				break
			}
			args = fs.Args()[1:]
			continue
		}
		if len(fs.Args()) == len(args) {
			args = args[1:] // bad flag syntax is reported before it is consumed
			continue
		}
		args = fs.Args()
	}
	return f
}

// File is the parsed form of the whitespace-separated, double-quoted
// "key" "value" config file. Load fills in every recognized key, whichever
// buddy reads the file; Raw holds every parsed pair, recognized or not.
type File struct {
	ListenPort int
	// RemoteListenPort is the port remote-buddy accepts REST clients on.
	RemoteListenPort  int
	RESTServerAddress string
	DatabaseAddress   string
	LocalBuddy        string
	// LogPath is the file lumberjack rotates logs into. Empty means log to
	// stderr instead.
	LogPath string
	Raw     map[string]string
}

// Load reads and parses a config file at path.
func Load(path string) (File, error) {
	fh, err := os.Open(path)
	if err != nil {
		return File{}, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer fh.Close()

	raw := make(map[string]string)
	sc := bufio.NewScanner(fh)
	for sc.Scan() {
		k, v, ok := parseLine(sc.Text())
		if !ok {
			continue
		}
		raw[k] = v
	}
	if err := sc.Err(); err != nil {
		return File{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	f := File{Raw: raw}
	if v, ok := raw["Listen_Port"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			f.ListenPort = n
		}
	}
	if v, ok := raw["Remote_Listen_Port"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			f.RemoteListenPort = n
		}
	}
	f.RESTServerAddress = raw["RESTServer_Address"]
	f.DatabaseAddress = raw["Database_Address"]
	f.LocalBuddy = raw["Local_Buddy"]
	f.LogPath = raw["Log_File"]
	return f, nil
}

// parseLine extracts a "key" "value" pair from one whitespace-separated,
// double-quoted config line. Lines that don't match this shape (blank lines,
// comments) are skipped, not rejected — the format has no comment syntax of
// its own, so any non-conforming line is simply ignored.
func parseLine(line string) (key, value string, ok bool) {
	fields := splitQuoted(line)
	if len(fields) != 2 {
		return "", "", false
	}
	return fields[0], fields[1], true
}

// splitQuoted splits a line into its double-quoted tokens, stripping quotes.
func splitQuoted(line string) []string {
	var out []string
	var cur strings.Builder
	inQuotes := false
	for _, r := range line {
		switch {
		case r == '"':
			if inQuotes {
				out = append(out, cur.String())
				cur.Reset()
			}
			inQuotes = !inQuotes
		case inQuotes:
			cur.WriteRune(r)
		default:
			// whitespace outside quotes is a separator; anything else is
			// malformed input and is silently dropped.
		}
	}
	return out
}
