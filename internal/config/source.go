package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	consulapi "github.com/hashicorp/consul/api"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// Source provides the raw YAML configuration document.
type Source interface {
	Fetch(ctx context.Context) ([]byte, error)
	String() string
}

const remoteTimeout = 5 * time.Second

// NewSource builds a Source from a location:
//
//	etcd://host1:2379,host2:2379/path/to/key
//	consul://host:8500/path/to/key
//	file:///etc/corsgate.yaml or a plain path
//
// Consul sources take their ACL token from CONSUL_HTTP_TOKEN and the scheme
// (http or https) from CONSUL_SCHEME. An empty location yields a nil Source.
func NewSource(location string) (Source, error) {
	location = strings.TrimSpace(location)
	switch {
	case location == "":
		return nil, nil
	case strings.HasPrefix(location, "etcd://"):
		hosts, key, err := splitRemote(strings.TrimPrefix(location, "etcd://"))
		if err != nil {
			return nil, fmt.Errorf("invalid etcd source %q: %w", location, err)
		}
		return &EtcdSource{Endpoints: strings.Split(hosts, ","), Key: key}, nil
	case strings.HasPrefix(location, "consul://"):
		host, key, err := splitRemote(strings.TrimPrefix(location, "consul://"))
		if err != nil {
			return nil, fmt.Errorf("invalid consul source %q: %w", location, err)
		}
		return &ConsulSource{
			Address: host,
			Scheme:  os.Getenv("CONSUL_SCHEME"),
			Token:   os.Getenv("CONSUL_HTTP_TOKEN"),
			Key:     strings.TrimPrefix(key, "/"),
		}, nil
	default:
		return &FileSource{Path: strings.TrimPrefix(location, "file://")}, nil
	}
}

func splitRemote(rest string) (hosts, key string, err error) {
	i := strings.Index(rest, "/")
	if i <= 0 {
		return "", "", fmt.Errorf("expected host[:port]/key")
	}
	hosts, key = rest[:i], rest[i:]
	if key == "/" {
		return "", "", fmt.Errorf("missing key")
	}
	return hosts, key, nil
}

// FileSource reads the document from the local filesystem.
type FileSource struct {
	Path string
}

func (s *FileSource) Fetch(ctx context.Context) ([]byte, error) {
	return os.ReadFile(s.Path)
}

func (s *FileSource) String() string {
	return "file " + s.Path
}

// EtcdSource reads the document from a single etcd key.
type EtcdSource struct {
	Endpoints []string
	Key       string
}

func (s *EtcdSource) Fetch(ctx context.Context) ([]byte, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   s.Endpoints,
		DialTimeout: remoteTimeout,
		Context:     ctx,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(ctx, remoteTimeout)
	defer cancel()

	resp, err := client.Get(ctx, s.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to get key %s: %w", s.Key, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, fmt.Errorf("key %s not found", s.Key)
	}
	return resp.Kvs[0].Value, nil
}

func (s *EtcdSource) String() string {
	return fmt.Sprintf("etcd %s%s", strings.Join(s.Endpoints, ","), s.Key)
}

// ConsulSource reads the document from the Consul KV store.
type ConsulSource struct {
	Address string
	Scheme  string
	Token   string
	Key     string
}

func (s *ConsulSource) Fetch(ctx context.Context) ([]byte, error) {
	consulCfg := consulapi.DefaultConfig()
	consulCfg.Address = s.Address
	if s.Scheme != "" {
		consulCfg.Scheme = s.Scheme
	}
	if s.Token != "" {
		consulCfg.Token = s.Token
	}

	client, err := consulapi.NewClient(consulCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Consul client: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, remoteTimeout)
	defer cancel()

	pair, _, err := client.KV().Get(s.Key, (&consulapi.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to get key %s: %w", s.Key, err)
	}
	if pair == nil {
		return nil, fmt.Errorf("key %s not found", s.Key)
	}
	return pair.Value, nil
}

func (s *ConsulSource) String() string {
	return fmt.Sprintf("consul %s/%s", s.Address, s.Key)
}
