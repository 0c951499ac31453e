package provider

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Tunnel is the provider-independent description of one tunnel to
// open: which local target to expose and under what name.
type Tunnel struct {
	ServiceID uint
	Host      string
	Port      int
	Protocol  string // http, https, tcp, udp
	Domain    string // named tunnels only
	Subdomain string
	AuthToken string
}

// Target returns the local endpoint the tunnel points at.
func (t Tunnel) Target() string {
	host := t.Host
	if host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("%s:%d", host, t.Port)
}

// Hostname returns the custom hostname for named tunnels, or "".
func (t Tunnel) Hostname() string {
	if t.Domain == "" || t.Subdomain == "" {
		return ""
	}
	return t.Subdomain + "." + t.Domain
}

// Spec describes one tunnel provider integration: how to build the
// command line for a given tunnel, and how to recognize the public URL
// and fatal errors in the process output. Everything the lifecycle
// code knows about a provider comes through here; the rest of the
// system consumes only structured events.
type Spec struct {
	Key        string
	Binary     string
	urlPattern *regexp.Regexp
	errMarkers []*regexp.Regexp
	protocols  map[string]bool
	buildArgs  func(t Tunnel) []string
}

// Supports reports whether the provider handles the given protocol.
func (s *Spec) Supports(protocol string) bool {
	return s.protocols[strings.ToLower(protocol)]
}

// Command returns the argv (binary first) for the given tunnel.
func (s *Spec) Command(t Tunnel) ([]string, error) {
	if !s.Supports(t.Protocol) {
		return nil, fmt.Errorf("provider %s does not support protocol %q", s.Key, t.Protocol)
	}
	return append([]string{s.Binary}, s.buildArgs(t)...), nil
}

// ExtractURL returns the first public URL found in a chunk of process
// output, or "".
func (s *Spec) ExtractURL(line string) string {
	if s.urlPattern == nil {
		return ""
	}
	return s.urlPattern.FindString(line)
}

// MatchError returns the matched fatal error marker in a line, or "".
func (s *Spec) MatchError(line string) string {
	for _, re := range s.errMarkers {
		if m := re.FindString(line); m != "" {
			return m
		}
	}
	return ""
}

// DiscoversURL reports whether this provider announces a public URL in
// its output for the given protocol. When false, the supervisor falls
// back to a liveness grace period instead of waiting for a URL.
func (s *Spec) DiscoversURL(protocol string) bool {
	if s.urlPattern == nil {
		return false
	}
	// UDP tunnels have no dialable URL with any built-in provider.
	return strings.ToLower(protocol) != "udp"
}

var specs = map[string]*Spec{
	"cloudflare": {
		Key:        "cloudflare",
		Binary:     "cloudflared",
		urlPattern: regexp.MustCompile(`https://[a-zA-Z0-9-]+\.trycloudflare\.com`),
		errMarkers: []*regexp.Regexp{
			regexp.MustCompile(`failed to connect to the edge`),
			regexp.MustCompile(`Unauthorized: Failed to get tunnel`),
			regexp.MustCompile(`error parsing tunnel ID`),
		},
		protocols: map[string]bool{"http": true, "https": true, "tcp": true, "udp": true},
		buildArgs: func(t Tunnel) []string {
			args := []string{"tunnel", "--no-autoupdate"}
			if h := t.Hostname(); h != "" {
				args = append(args, "--hostname", h)
			}
			scheme := "http"
			if strings.EqualFold(t.Protocol, "tcp") || strings.EqualFold(t.Protocol, "udp") {
				scheme = strings.ToLower(t.Protocol)
			}
			return append(args, "--url", fmt.Sprintf("%s://%s", scheme, t.Target()))
		},
	},
	"ngrok": {
		Key:    "ngrok",
		Binary: "ngrok",
		urlPattern: regexp.MustCompile(
			`(https://[a-zA-Z0-9-]+\.ngrok(-free)?\.app|https://[a-zA-Z0-9-]+\.ngrok\.io|tcp://[a-zA-Z0-9.-]+:\d+)`),
		errMarkers: []*regexp.Regexp{
			regexp.MustCompile(`ERR_NGROK_\d+`),
			regexp.MustCompile(`authentication failed`),
		},
		protocols: map[string]bool{"http": true, "https": true, "tcp": true},
		buildArgs: func(t Tunnel) []string {
			var args []string
			if strings.EqualFold(t.Protocol, "tcp") {
				args = []string{"tcp"}
			} else {
				args = []string{"http"}
			}
			args = append(args, "--log", "stdout")
			if t.AuthToken != "" {
				args = append(args, "--authtoken", t.AuthToken)
			}
			if h := t.Hostname(); h != "" {
				args = append(args, "--url", h)
			}
			return append(args, t.Target())
		},
	},
	"pinggy": {
		Key:    "pinggy",
		Binary: "ssh",
		urlPattern: regexp.MustCompile(
			`(https?://[a-zA-Z0-9-]+\.a\.(free\.)?pinggy\.link|tcp://[a-zA-Z0-9-]+\.a\.(free\.)?pinggy\.link:\d+)`),
		errMarkers: []*regexp.Regexp{
			regexp.MustCompile(`Permission denied`),
			regexp.MustCompile(`Connection refused`),
			regexp.MustCompile(`usage limit`),
		},
		protocols: map[string]bool{"http": true, "https": true, "tcp": true},
		buildArgs: func(t Tunnel) []string {
			user := "a.pinggy.io"
			if t.AuthToken != "" {
				user = t.AuthToken + "@a.pinggy.io"
			}
			proto := ""
			if strings.EqualFold(t.Protocol, "tcp") {
				proto = "tcp@"
			}
			return []string{
				"-p", "443",
				"-o", "StrictHostKeyChecking=no",
				"-o", "ServerAliveInterval=30",
				"-R", fmt.Sprintf("0:%s", t.Target()),
				proto + user,
			}
		},
	},
}

// Get returns the Spec for a provider key.
func Get(key string) (*Spec, error) {
	s, ok := specs[strings.ToLower(key)]
	if !ok {
		return nil, fmt.Errorf("no tunnel driver for provider %q", key)
	}
	return s, nil
}

// Keys lists the registered provider keys.
func Keys() []string {
	keys := make([]string, 0, len(specs))
	for k := range specs {
		keys = append(keys, k)
	}
	return keys
}

// ExtractURLFor runs the URL pattern of the named provider over raw
// output (e.g. recovered container logs) and returns the first match.
func ExtractURLFor(providerKey, output string) string {
	s, err := Get(providerKey)
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(output, "\n") {
		if url := s.ExtractURL(line); url != "" {
			return url
		}
	}
	return ""
}

// specFile is the YAML shape for custom provider definitions. Args may
// contain {host}, {port}, {target} and {hostname} placeholders.
type specFile struct {
	Providers []struct {
		Key           string   `yaml:"key"`
		Binary        string   `yaml:"binary"`
		Args          []string `yaml:"args"`
		URLPattern    string   `yaml:"url_pattern"`
		ErrorPatterns []string `yaml:"error_patterns"`
		Protocols     []string `yaml:"protocols"`
	} `yaml:"providers"`
}

// LoadSpecFile registers custom providers from a YAML file, replacing
// built-ins on key collision.
func LoadSpecFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read provider spec file: %w", err)
	}

	var f specFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("parse provider spec file: %w", err)
	}

	for _, p := range f.Providers {
		if p.Key == "" || p.Binary == "" {
			return fmt.Errorf("provider spec entries need key and binary")
		}

		spec := &Spec{
			Key:       strings.ToLower(p.Key),
			Binary:    p.Binary,
			protocols: make(map[string]bool),
		}
		if p.URLPattern != "" {
			re, err := regexp.Compile(p.URLPattern)
			if err != nil {
				return fmt.Errorf("provider %s: url_pattern: %w", p.Key, err)
			}
			spec.urlPattern = re
		}
		for _, ep := range p.ErrorPatterns {
			re, err := regexp.Compile(ep)
			if err != nil {
				return fmt.Errorf("provider %s: error_pattern %q: %w", p.Key, ep, err)
			}
			spec.errMarkers = append(spec.errMarkers, re)
		}
		protos := p.Protocols
		if len(protos) == 0 {
			protos = []string{"http", "https", "tcp"}
		}
		for _, proto := range protos {
			spec.protocols[strings.ToLower(proto)] = true
		}

		argTemplates := p.Args
		spec.buildArgs = func(t Tunnel) []string {
			repl := strings.NewReplacer(
				"{host}", t.Host,
				"{port}", fmt.Sprintf("%d", t.Port),
				"{target}", t.Target(),
				"{hostname}", t.Hostname(),
			)
			out := make([]string, len(argTemplates))
			for i, a := range argTemplates {
				out[i] = repl.Replace(a)
			}
			return out
		}

		specs[spec.Key] = spec
	}

	return nil
}
