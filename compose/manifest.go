// Package compose models docker compose manifests and stores them as
// versioned descriptors rendered to disk.
package compose

import (
	"bytes"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Manifest is the subset of the compose file format sitedock edits.
// Keys it does not model are kept in Extra so they survive a round trip.
type Manifest struct {
	Name     string              `yaml:"name,omitempty"`
	Services map[string]*Service `yaml:"services"`
	Networks map[string]*Network `yaml:"networks,omitempty"`
	Volumes  map[string]*Volume  `yaml:"volumes,omitempty"`
	Extra    map[string]any      `yaml:",inline"`
}

type Service struct {
	Image         string         `yaml:"image,omitempty"`
	Build         any            `yaml:"build,omitempty"`
	ContainerName string         `yaml:"container_name,omitempty"`
	Restart       string         `yaml:"restart,omitempty"`
	Command       StringList     `yaml:"command,omitempty"`
	Environment   StringList     `yaml:"environment,omitempty"`
	EnvFile       StringList     `yaml:"env_file,omitempty"`
	Labels        StringList     `yaml:"labels,omitempty"`
	Ports         []string       `yaml:"ports,omitempty"`
	Volumes       []string       `yaml:"volumes,omitempty"`
	Networks      any            `yaml:"networks,omitempty"`
	DependsOn     any            `yaml:"depends_on,omitempty"`
	Extra         map[string]any `yaml:",inline"`
}

type Network struct {
	Name     string         `yaml:"name,omitempty"`
	Driver   string         `yaml:"driver,omitempty"`
	External bool           `yaml:"external,omitempty"`
	Extra    map[string]any `yaml:",inline"`
}

type Volume struct {
	Driver   string         `yaml:"driver,omitempty"`
	External bool           `yaml:"external,omitempty"`
	Extra    map[string]any `yaml:",inline"`
}

// StringList accepts the list, map and scalar spellings compose allows for
// command, environment, env_file and labels. It always marshals as a list.
type StringList []string

func (l *StringList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		if value.Tag == "!!null" {
			*l = nil
			return nil
		}
		*l = StringList{value.Value}
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := value.Decode(&items); err != nil {
			return err
		}
		*l = items
		return nil
	case yaml.MappingNode:
		items := make([]string, 0, len(value.Content)/2)
		for i := 0; i+1 < len(value.Content); i += 2 {
			key := value.Content[i].Value
			val := value.Content[i+1]
			if val.Tag == "!!null" {
				items = append(items, key)
				continue
			}
			items = append(items, key+"="+val.Value)
		}
		*l = items
		return nil
	default:
		return fmt.Errorf("line %d: cannot decode %s into a string list", value.Line, value.Tag)
	}
}

// Get returns the value of a KEY=VALUE entry
func (l StringList) Get(key string) (string, bool) {
	for _, item := range l {
		k, v, found := strings.Cut(item, "=")
		if k == key {
			if !found {
				return "", true
			}
			return v, true
		}
	}
	return "", false
}

// Set replaces the KEY=VALUE entry in place or appends it
func (l StringList) Set(key, value string) StringList {
	entry := key + "=" + value
	for i, item := range l {
		if k, _, _ := strings.Cut(item, "="); k == key {
			l[i] = entry
			return l
		}
	}
	return append(l, entry)
}

// IndexPrefix returns the index of the first item starting with prefix, or -1
func (l StringList) IndexPrefix(prefix string) int {
	for i, item := range l {
		if strings.HasPrefix(item, prefix) {
			return i
		}
	}
	return -1
}

// Parse decodes a manifest. Content without a services section is rejected.
func Parse(content string) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal([]byte(content), &m); err != nil {
		return nil, fmt.Errorf("invalid compose manifest: %w", err)
	}
	if m.Services == nil {
		return nil, fmt.Errorf("invalid compose manifest: no services defined")
	}
	return &m, nil
}

// Marshal encodes the manifest with two-space indentation. Map keys come out
// sorted, so equal manifests produce identical bytes.
func (m *Manifest) Marshal() (string, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(m); err != nil {
		return "", fmt.Errorf("failed to encode compose manifest: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("failed to encode compose manifest: %w", err)
	}
	return buf.String(), nil
}

// Service returns the named service or an error naming what is missing
func (m *Manifest) Service(name string) (*Service, error) {
	svc, ok := m.Services[name]
	if !ok || svc == nil {
		return nil, fmt.Errorf("service %q not found in manifest", name)
	}
	return svc, nil
}

// ServiceLabels returns the labels of the service running containerName
func (m *Manifest) ServiceLabels(containerName string) (StringList, bool) {
	for _, svc := range m.Services {
		if svc != nil && svc.ContainerName == containerName {
			return svc.Labels, true
		}
	}
	return nil, false
}
