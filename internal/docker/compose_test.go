package docker_test

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/christopherjohns/relaydrop/internal/config"
	"gopkg.in/yaml.v3"
)

type ComposeFile struct {
	Services map[string]Service `yaml:"services"`
	Volumes  map[string]any     `yaml:"volumes"`
	Networks map[string]Network `yaml:"networks"`
}

type Network struct {
	Driver string `yaml:"driver"`
}

type Service struct {
	Image       string         `yaml:"image"`
	Build       *Build         `yaml:"build"`
	Ports       []string       `yaml:"ports"`
	Environment []string       `yaml:"environment"`
	DependsOn   map[string]any `yaml:"depends_on"`
	Volumes     []string       `yaml:"volumes"`
	Healthcheck *Healthcheck   `yaml:"healthcheck"`
	Restart     string         `yaml:"restart"`
	Command     string         `yaml:"command"`
	Networks    []string       `yaml:"networks"`
}

type Build struct {
	Context string `yaml:"context"`
}

type Healthcheck struct {
	Test        []string `yaml:"test"`
	Interval    string   `yaml:"interval"`
	Timeout     string   `yaml:"timeout"`
	Retries     int      `yaml:"retries"`
	StartPeriod string   `yaml:"start_period"`
}

func projectRoot() string {
	_, filename, _, _ := runtime.Caller(0)
	// From internal/docker/ go up 2 levels to the module root
	return filepath.Join(filepath.Dir(filename), "..", "..")
}

func readCompose(t *testing.T) ComposeFile {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(projectRoot(), "docker-compose.yml"))
	if err != nil {
		t.Fatalf("failed to read docker-compose.yml: %v", err)
	}
	var compose ComposeFile
	if err := yaml.Unmarshal(data, &compose); err != nil {
		t.Fatalf("failed to parse docker-compose.yml: %v", err)
	}
	return compose
}

func readFile(t *testing.T, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(projectRoot(), name))
	if err != nil {
		t.Fatalf("failed to read %s: %v", name, err)
	}
	return string(data)
}

func assertPortMapping(t *testing.T, ports []string, expected string) {
	t.Helper()
	for _, p := range ports {
		if p == expected {
			return
		}
	}
	t.Errorf("expected port mapping %s, got %v", expected, ports)
}

func envValue(env []string, key string) (string, bool) {
	for _, e := range env {
		if k, v, ok := strings.Cut(e, "="); ok && k == key {
			return v, true
		}
	}
	return "", false
}

func TestDockerComposeHasAllServices(t *testing.T) {
	compose := readCompose(t)

	for _, name := range []string{"relaydrop", "redis"} {
		if _, ok := compose.Services[name]; !ok {
			t.Errorf("missing service: %s", name)
		}
	}
	if len(compose.Services) != 2 {
		t.Errorf("expected 2 services, got %d", len(compose.Services))
	}
}

func TestRelayService(t *testing.T) {
	relay := readCompose(t).Services["relaydrop"]

	if relay.Build == nil || relay.Build.Context != "." {
		t.Error("relaydrop build context should be the module root")
	}
	assertPortMapping(t, relay.Ports, "8080:8080")

	if _, ok := relay.DependsOn["redis"]; !ok {
		t.Error("relaydrop should depend on redis")
	}
	if relay.Healthcheck == nil {
		t.Fatal("relaydrop should have a healthcheck")
	}
	if !strings.Contains(strings.Join(relay.Healthcheck.Test, " "), "/health") {
		t.Errorf("healthcheck should probe /health, got %v", relay.Healthcheck.Test)
	}

	if v, _ := envValue(relay.Environment, "REDIS_ADDR"); v != "redis:6379" {
		t.Errorf("relaydrop should have REDIS_ADDR=redis:6379, got %q", v)
	}
	if v, _ := envValue(relay.Environment, "PORT"); v != "8080" {
		t.Errorf("relaydrop should listen on PORT=8080, got %q", v)
	}
}

func TestRelayEnvironmentKeysAreKnown(t *testing.T) {
	known := make(map[string]bool)
	for _, key := range config.New().AllKeys() {
		known[strings.ToUpper(key)] = true
	}
	for _, e := range readCompose(t).Services["relaydrop"].Environment {
		key, _, _ := strings.Cut(e, "=")
		if !known[key] {
			t.Errorf("unknown configuration key %s", key)
		}
	}
}

func TestRedisService(t *testing.T) {
	redis := readCompose(t).Services["redis"]

	if !strings.HasPrefix(redis.Image, "redis:") {
		t.Errorf("redis image should be redis:*, got %s", redis.Image)
	}
	assertPortMapping(t, redis.Ports, "6379:6379")

	if redis.Healthcheck == nil {
		t.Error("redis should have a healthcheck")
	}

	hasDataVolume := false
	for _, v := range redis.Volumes {
		if strings.Contains(v, "redis-data") {
			hasDataVolume = true
		}
	}
	if !hasDataVolume {
		t.Error("redis should mount a persistent data volume")
	}
}

func TestRedisVolumeDefined(t *testing.T) {
	compose := readCompose(t)
	if _, ok := compose.Volumes["redis-data"]; !ok {
		t.Error("redis-data volume should be defined at the top level")
	}
}

func TestDockerfileContent(t *testing.T) {
	content := readFile(t, "Dockerfile")

	if !strings.Contains(content, "FROM golang:") {
		t.Error("should use golang base image")
	}
	if !strings.Contains(content, "AS builder") {
		t.Error("should use multi-stage build")
	}
	if !strings.Contains(content, "./cmd/server") {
		t.Error("should build the server command")
	}
	if !strings.Contains(content, "EXPOSE 8080") {
		t.Error("should expose port 8080")
	}
	for _, line := range strings.Split(content, "\n") {
		if !strings.HasPrefix(line, "COPY ") || strings.Contains(line, "--from=") {
			continue
		}
		for _, src := range strings.Fields(line)[1 : len(strings.Fields(line))-1] {
			if _, err := os.Stat(filepath.Join(projectRoot(), src)); err != nil {
				t.Errorf("Dockerfile copies %s, which is not in the repository", src)
			}
		}
	}
}

func TestDockerignore(t *testing.T) {
	content := readFile(t, ".dockerignore")
	for _, entry := range []string{".git", "_examples"} {
		if !strings.Contains(content, entry) {
			t.Errorf(".dockerignore should exclude %s", entry)
		}
	}
}

func TestRestartPolicies(t *testing.T) {
	compose := readCompose(t)
	for name, svc := range compose.Services {
		if svc.Restart != "unless-stopped" {
			t.Errorf("service %s should have restart: unless-stopped, got %q", name, svc.Restart)
		}
	}
}

func TestNetworkDefined(t *testing.T) {
	compose := readCompose(t)
	net, ok := compose.Networks["relaydrop"]
	if !ok {
		t.Fatal("relaydrop network should be defined at the top level")
	}
	if net.Driver != "bridge" {
		t.Errorf("relaydrop network driver should be bridge, got %q", net.Driver)
	}
}

func TestAllServicesOnNetwork(t *testing.T) {
	compose := readCompose(t)
	for name, svc := range compose.Services {
		found := false
		for _, n := range svc.Networks {
			if n == "relaydrop" {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("service %s should be on relaydrop network", name)
		}
	}
}

func TestRedisMemoryLimit(t *testing.T) {
	redis := readCompose(t).Services["redis"]
	if !strings.Contains(redis.Command, "--maxmemory") {
		t.Error("redis should have a maxmemory setting for local development")
	}
	if !strings.Contains(redis.Command, "--maxmemory-policy") {
		t.Error("redis should have a maxmemory-policy setting")
	}
}
