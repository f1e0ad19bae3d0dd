// Package config loads server definitions from YAML, validates them into
// vcs.ConfigurationProblem sets before any session is created, and applies
// them to a connection.Registry. A Watcher reloads the file on change.
//
// A configuration file looks like:
//
//	servers:
//	  - name: main
//	    protocol: ssl
//	    host: perforce.example.com
//	    port: 1666
//	    auth: password
//	    user: alice
//	    fingerprint: "AB:CD:..."
//	    workspaces: [alice-main, alice-release]
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ggoodman/vcs-session-go/vcs"
	"go.yaml.in/yaml/v3"
)

const maxConfigFileBytes = 1 << 20

// File is the root of a configuration file.
type File struct {
	Servers []ServerConfig `yaml:"servers" json:"servers" jsonschema:"description=Servers to connect to"`
}

// ServerConfig describes one server and the workspaces bound to it.
type ServerConfig struct {
	Name        string         `yaml:"name" json:"name" jsonschema:"minLength=1,description=Unique name of this entry"`
	Protocol    string         `yaml:"protocol,omitempty" json:"protocol,omitempty" jsonschema:"enum=tcp,enum=tcp4,enum=tcp6,enum=ssl,enum=ssl4,enum=ssl6,default=tcp"`
	Host        string         `yaml:"host" json:"host" jsonschema:"minLength=1"`
	Port        int            `yaml:"port" json:"port" jsonschema:"minimum=1,maximum=65535"`
	Auth        vcs.AuthMethod `yaml:"auth" json:"auth" jsonschema:"enum=password,enum=ticket,enum=env"`
	User        string         `yaml:"user,omitempty" json:"user,omitempty"`
	TicketPath  string         `yaml:"ticket_path,omitempty" json:"ticket_path,omitempty" jsonschema:"description=Login ticket file used with auth: ticket"`
	Fingerprint string         `yaml:"fingerprint,omitempty" json:"fingerprint,omitempty" jsonschema:"description=Trusted server fingerprint; required for ssl protocols"`
	Workspaces  []string       `yaml:"workspaces,omitempty" json:"workspaces,omitempty"`
}

var protocols = map[string]bool{"tcp": true, "tcp4": true, "tcp6": true, "ssl": true, "ssl4": true, "ssl6": true}

// Identity returns the server identity this entry connects as.
func (s ServerConfig) Identity() vcs.ServerIdentity {
	proto := s.Protocol
	if proto == "" {
		proto = "tcp"
	}
	return vcs.ServerIdentity{
		Protocol:   proto,
		Host:       s.Host,
		Port:       s.Port,
		AuthMethod: s.Auth,
		Username:   s.User,
	}
}

// Problems returns every configuration problem of this entry, or nil.
func (s ServerConfig) Problems() []vcs.ConfigurationProblem {
	var out []vcs.ConfigurationProblem
	add := func(field, msg string) {
		out = append(out, vcs.ConfigurationProblem{Field: field, Message: msg})
	}

	if strings.TrimSpace(s.Name) == "" {
		add("name", "required")
	}
	if s.Protocol != "" && !protocols[s.Protocol] {
		add("protocol", fmt.Sprintf("unknown protocol %q", s.Protocol))
	}
	if strings.TrimSpace(s.Host) == "" {
		add("host", "required")
	}
	if s.Port < 1 || s.Port > 65535 {
		add("port", "must be between 1 and 65535")
	}
	switch {
	case s.Auth == "":
		add("auth", "required")
	case !s.Auth.Valid():
		add("auth", fmt.Sprintf("unknown auth method %q", s.Auth))
	}
	if (s.Auth == vcs.AuthPassword || s.Auth == vcs.AuthTicket) && strings.TrimSpace(s.User) == "" {
		add("user", "required for "+string(s.Auth)+" authentication")
	}
	if s.Auth == vcs.AuthTicket && strings.TrimSpace(s.TicketPath) == "" {
		add("ticket_path", "required for ticket authentication")
	}
	if strings.HasPrefix(s.Protocol, "ssl") && strings.TrimSpace(s.Fingerprint) == "" {
		add("fingerprint", "required for ssl connections")
	}
	seen := make(map[string]bool, len(s.Workspaces))
	for _, ws := range s.Workspaces {
		switch {
		case strings.TrimSpace(ws) == "":
			add("workspaces", "workspace name must not be empty")
		case seen[ws]:
			add("workspaces", fmt.Sprintf("duplicate workspace %q", ws))
		}
		seen[ws] = true
	}
	return out
}

// Validate returns nil or an *vcs.InvalidConfigError listing every problem.
func (s ServerConfig) Validate() error {
	return vcs.Validate(s.Identity(), s.Problems())
}

// Validate checks every server entry and that names are unique. The returned
// error joins one *vcs.InvalidConfigError per invalid entry.
func (f File) Validate() error {
	var errs []error
	names := make(map[string]bool, len(f.Servers))
	for _, s := range f.Servers {
		problems := s.Problems()
		if s.Name != "" && names[s.Name] {
			problems = append(problems, vcs.ConfigurationProblem{Field: "name", Message: fmt.Sprintf("duplicate server name %q", s.Name)})
		}
		names[s.Name] = true
		if err := vcs.Validate(s.Identity(), problems); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Parse decodes a YAML configuration. Unknown keys are rejected. An empty
// document yields an empty File.
func Parse(raw []byte) (File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return File{}, nil
		}
		return File{}, fmt.Errorf("parse config: %w", err)
	}
	return f, nil
}

// Load reads and parses the file at path. A missing file yields an empty File.
func Load(path string) (File, error) {
	if path == "" {
		return File{}, errors.New("config path required")
	}
	fh, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return File{}, nil
		}
		return File{}, err
	}
	defer fh.Close()

	raw, err := io.ReadAll(io.LimitReader(fh, maxConfigFileBytes+1))
	if err != nil {
		return File{}, err
	}
	if len(raw) > maxConfigFileBytes {
		return File{}, fmt.Errorf("config file %s exceeds %d bytes", path, maxConfigFileBytes)
	}
	return Parse(raw)
}

// Marshal renders f as YAML.
func Marshal(f File) ([]byte, error) {
	return yaml.Marshal(f)
}
