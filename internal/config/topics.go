package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tutorpath/tutorpath/internal/progress"
)

// Topic is one practice path definition, loaded from a YAML file under
// ~/.tutorpath/topics/. The node list is the source of truth for path
// initialization and for syncing new nodes into existing records.
type Topic struct {
	ID      string          `yaml:"id"`
	Title   string          `yaml:"title"`
	Unified bool            `yaml:"unified"` // all nodes accessible from the start
	Nodes   []progress.Node `yaml:"nodes"`
}

// LoadTopics reads every *.yaml file in dir, sorted by filename for a stable
// order. Invalid topic files fail the whole load; a broken topic silently
// skipped would strand its learners.
func LoadTopics(dir string) ([]Topic, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read topics dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	topics := make([]Topic, 0, len(names))
	seen := make(map[string]bool)
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read topic %s: %w", name, err)
		}
		var topic Topic
		if err := yaml.Unmarshal(data, &topic); err != nil {
			return nil, fmt.Errorf("parse topic %s: %w", name, err)
		}
		if err := validateTopic(&topic); err != nil {
			return nil, fmt.Errorf("topic %s: %w", name, err)
		}
		if seen[topic.ID] {
			return nil, fmt.Errorf("topic %s: duplicate id %q", name, topic.ID)
		}
		seen[topic.ID] = true
		topics = append(topics, topic)
	}
	return topics, nil
}

func validateTopic(t *Topic) error {
	if t.ID == "" {
		return fmt.Errorf("missing id")
	}
	if len(t.Nodes) == 0 {
		return fmt.Errorf("no nodes")
	}
	ids := make(map[string]bool, len(t.Nodes))
	for _, n := range t.Nodes {
		if n.ID == "" {
			return fmt.Errorf("node with empty id")
		}
		if ids[n.ID] {
			return fmt.Errorf("duplicate node id %q", n.ID)
		}
		ids[n.ID] = true
		if n.RequiredCorrect <= 0 {
			return fmt.Errorf("node %q: required_correct must be positive", n.ID)
		}
		switch n.Layer {
		case progress.LayerFoundation, progress.LayerIntegration,
			progress.LayerApplication, progress.LayerExamPractice:
		default:
			return fmt.Errorf("node %q: unknown layer %q", n.ID, n.Layer)
		}
	}
	return nil
}
