package wizard

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/lkarlslund/zimageproxy/pkg/config"
)

// RunServerWizard walks through the settings most deployments change, then
// validates and saves cfg to path.
func RunServerWizard(in io.Reader, out io.Writer, path string, cfg *config.ServerConfig) error {
	sc := bufio.NewScanner(in)
	fmt.Fprintln(out, "Server configuration wizard")
	cfg.ListenAddr = ask(sc, out, "Listen address", cfg.ListenAddr)
	cfg.MasterKey = ask(sc, out, `Master key ("1" disables auth)`, cfg.MasterKey)
	cfg.Upstream.URL = ask(sc, out, "Upstream API URL", cfg.Upstream.URL)
	cfg.Models = splitCSV(ask(sc, out, "Advertised models (comma-separated)", strings.Join(cfg.Models, ",")))
	cfg.DefaultModel = ask(sc, out, "Default model", cfg.DefaultModel)
	cfg.Defaults.Size = ask(sc, out, "Default image size", cfg.Defaults.Size)
	cfg.Defaults.Steps = askInt(sc, out, "Default sampling steps", cfg.Defaults.Steps)
	cfg.RateLimit.Requests = askInt(sc, out, "Requests per client per window (0 disables)", cfg.RateLimit.Requests)
	if cfg.RateLimit.Requests > 0 {
		cfg.RateLimit.WindowSeconds = askInt(sc, out, "Rate limit window seconds", cfg.RateLimit.WindowSeconds)
	}

	cfg.TLS.Enabled = yes(ask(sc, out, "Enable Let's Encrypt TLS? (y/N)", boolStr(cfg.TLS.Enabled)))
	if cfg.TLS.Enabled {
		cfg.TLS.Domain = ask(sc, out, "TLS domain", cfg.TLS.Domain)
		cfg.TLS.Email = ask(sc, out, "ACME email", cfg.TLS.Email)
		cfg.TLS.CacheDir = ask(sc, out, "ACME cache dir", cfg.TLS.CacheDir)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return err
	}
	return config.Save(path, cfg)
}

func ask(in *bufio.Scanner, out io.Writer, label, def string) string {
	if def == "" {
		fmt.Fprintf(out, "%s: ", label)
	} else {
		fmt.Fprintf(out, "%s [%s]: ", label, def)
	}
	if !in.Scan() {
		return def
	}
	txt := strings.TrimSpace(in.Text())
	if txt == "" {
		return def
	}
	return txt
}

func askInt(in *bufio.Scanner, out io.Writer, label string, def int) int {
	v, err := strconv.Atoi(ask(in, out, label, strconv.Itoa(def)))
	if err != nil {
		return def
	}
	return v
}

func yes(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "y", "yes", "true":
		return true
	}
	return false
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func boolStr(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
