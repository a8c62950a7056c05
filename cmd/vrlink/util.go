package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/loykin/vrlink/internal/config"
	"github.com/loykin/vrlink/pkg/client"
)

func printJSON(w io.Writer, v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(w, string(b))
}

// resolveAPIURL picks the daemon URL: the explicit flag, then the [server]
// section of the config file, then the default local listener.
func resolveAPIURL(apiURL, configPath string) (string, error) {
	if apiURL != "" {
		return apiURL, nil
	}
	if configPath == "" {
		return client.DefaultBaseURL, nil
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return "", fmt.Errorf("error loading config: %w", err)
	}
	host := cfg.Server.Listen
	if strings.HasPrefix(host, ":") || strings.HasPrefix(host, "0.0.0.0:") {
		host = "127.0.0.1:" + host[strings.LastIndex(host, ":")+1:]
	}
	return "http://" + host + cfg.Server.BasePath, nil
}
