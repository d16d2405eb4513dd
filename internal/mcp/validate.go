package mcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"time"
)

var (
	// ErrForbiddenCommand marks a command string carrying shell
	// metacharacters.
	ErrForbiddenCommand = errors.New("command contains forbidden characters")

	// ErrForbiddenURL marks a URL pointing at loopback, private, reserved or
	// cloud-metadata address space, or using a non-HTTP scheme.
	ErrForbiddenURL = errors.New("url targets a forbidden destination")

	// ErrInvalidServer covers the remaining validation failures (null
	// bytes, missing fields, refused env keys).
	ErrInvalidServer = errors.New("invalid mcp server definition")
)

// shellMetaChars are rejected anywhere in a command or argument. The agent
// executes commands without a shell, but a defense here keeps injection out
// of any downstream layer that might not.
const shellMetaChars = ";&|`$(){}[]<>!\n\r\\"

// deniedEnvKeys can redirect the dynamic loader or resolve a different
// binary than the operator installed.
var deniedEnvKeys = map[string]struct{}{
	"LD_PRELOAD":      {},
	"LD_LIBRARY_PATH": {},
	"PATH":            {},
}

// metadataHosts are cloud metadata endpoints reachable by name.
var metadataHosts = map[string]struct{}{
	"metadata.google.internal":     {},
	"metadata.goog":                {},
	"169.254.169.254":              {},
	"fd00:ec2::254":                {},
	"metadata.azure.com":           {},
	"metadata.packet.net":          {},
	"metadata.platformequinix.com": {},
}

const lookupTimeout = 3 * time.Second

// ValidateServer checks one definition against the full policy: transport
// coherence, shell metacharacters, SSRF destinations, null bytes and
// dangerous env keys. It is called for every tier; request-tier failures
// become 400s while application-tier failures only skip the server.
func ValidateServer(ctx context.Context, name string, def ServerDef) error {
	if err := checkNullBytes(name, def); err != nil {
		return err
	}
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: server name is required", ErrInvalidServer)
	}

	transport := def.EffectiveTransport()
	if !transport.Valid() {
		return fmt.Errorf("%w: server %q has no usable transport", ErrInvalidServer, name)
	}

	for key := range def.Env {
		if _, denied := deniedEnvKeys[strings.ToUpper(key)]; denied {
			return fmt.Errorf("%w: env key %q is not allowed", ErrInvalidServer, key)
		}
	}

	switch transport {
	case TransportStdio:
		if strings.TrimSpace(def.Command) == "" {
			return fmt.Errorf("%w: stdio server %q requires a command", ErrInvalidServer, name)
		}
		if err := checkCommand(def.Command); err != nil {
			return fmt.Errorf("server %q: %w", name, err)
		}
		for _, arg := range def.Args {
			if err := checkCommand(arg); err != nil {
				return fmt.Errorf("server %q: %w", name, err)
			}
		}
	case TransportSSE, TransportHTTP:
		if strings.TrimSpace(def.URL) == "" {
			return fmt.Errorf("%w: %s server %q requires a url", ErrInvalidServer, transport, name)
		}
		if err := checkURL(ctx, def.URL); err != nil {
			return fmt.Errorf("server %q: %w", name, err)
		}
	}
	return nil
}

func checkNullBytes(name string, def ServerDef) error {
	all := []string{name, def.Command, def.URL}
	all = append(all, def.Args...)
	for k, v := range def.Env {
		all = append(all, k, v)
	}
	for k, v := range def.Headers {
		all = append(all, k, v)
	}
	for _, s := range all {
		if strings.ContainsRune(s, 0) {
			return fmt.Errorf("%w: null byte in definition", ErrInvalidServer)
		}
	}
	return nil
}

func checkCommand(s string) error {
	if strings.ContainsAny(s, shellMetaChars) {
		return ErrForbiddenCommand
	}
	return nil
}

// checkURL rejects non-HTTP schemes and destinations in private, loopback,
// link-local, reserved or metadata address space. Hostnames are resolved so
// a DNS alias for 169.254.169.254 does not slip through; a name that does
// not resolve is rejected outright.
func checkURL(ctx context.Context, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: unparseable url", ErrForbiddenURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme %q", ErrForbiddenURL, u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: missing host", ErrForbiddenURL)
	}
	if _, bad := metadataHosts[strings.ToLower(host)]; bad {
		return fmt.Errorf("%w: metadata endpoint", ErrForbiddenURL)
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		return checkAddr(addr)
	}
	if strings.EqualFold(host, "localhost") || strings.HasSuffix(strings.ToLower(host), ".localhost") {
		return fmt.Errorf("%w: loopback host", ErrForbiddenURL)
	}

	lookupCtx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()
	addrs, err := net.DefaultResolver.LookupNetIP(lookupCtx, "ip", host)
	if err != nil || len(addrs) == 0 {
		return fmt.Errorf("%w: host does not resolve", ErrForbiddenURL)
	}
	for _, addr := range addrs {
		if err := checkAddr(addr); err != nil {
			return err
		}
	}
	return nil
}

func checkAddr(addr netip.Addr) error {
	addr = addr.Unmap()
	switch {
	case addr.IsLoopback():
		return fmt.Errorf("%w: loopback address", ErrForbiddenURL)
	case addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast():
		return fmt.Errorf("%w: link-local address", ErrForbiddenURL)
	case addr.IsPrivate():
		return fmt.Errorf("%w: private address", ErrForbiddenURL)
	case addr.IsUnspecified() || addr.IsMulticast():
		return fmt.Errorf("%w: reserved address", ErrForbiddenURL)
	}
	// 100.64.0.0/10 (carrier NAT, used by cloud metadata relays) and the
	// IPv4 reserved block 240.0.0.0/4.
	if addr.Is4() {
		b := addr.As4()
		if b[0] == 100 && b[1] >= 64 && b[1] <= 127 {
			return fmt.Errorf("%w: shared address space", ErrForbiddenURL)
		}
		if b[0] >= 240 {
			return fmt.Errorf("%w: reserved address", ErrForbiddenURL)
		}
	}
	return nil
}
