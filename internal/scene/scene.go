// Package scene loads YAML scene manifests used to seed new session Contexts
// with actors and assets.
package scene

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cory-johannsen/mrsync/internal/session"
)

// Entity is one actor or asset declaration.
type Entity struct {
	ID    string
	State map[string]any
}

// Actor is an actor declaration. Asset optionally names an asset in the same scene.
type Actor struct {
	Entity
	Asset string
}

// Scene is a validated manifest.
type Scene struct {
	Name   string
	Assets []Entity
	Actors []Actor
}

type yamlSceneFile struct {
	Scene yamlScene `yaml:"scene"`
}

type yamlScene struct {
	Name   string       `yaml:"name"`
	Assets []yamlEntity `yaml:"assets"`
	Actors []yamlEntity `yaml:"actors"`
}

type yamlEntity struct {
	ID    string         `yaml:"id"`
	Asset string         `yaml:"asset"`
	State map[string]any `yaml:"state"`
}

// LoadFromFile reads and validates a scene manifest.
//
// Precondition: path must point to a YAML scene file.
// Postcondition: Returns a validated Scene or a non-nil error.
func LoadFromFile(path string) (*Scene, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scene file %s: %w", path, err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes parses and validates a scene manifest.
//
// Postcondition: Returns a validated Scene or a non-nil error.
func LoadFromBytes(data []byte) (*Scene, error) {
	var file yamlSceneFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing scene YAML: %w", err)
	}
	s := convert(file.Scene)
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("validating scene: %w", err)
	}
	return s, nil
}

func convert(ys yamlScene) *Scene {
	s := &Scene{Name: ys.Name}
	for _, ya := range ys.Assets {
		s.Assets = append(s.Assets, Entity{ID: strings.TrimSpace(ya.ID), State: ya.State})
	}
	for _, ya := range ys.Actors {
		s.Actors = append(s.Actors, Actor{
			Entity: Entity{ID: strings.TrimSpace(ya.ID), State: ya.State},
			Asset:  ya.Asset,
		})
	}
	return s
}

// Validate reports every problem with the manifest at once.
//
// Postcondition: Returns nil if ids are present and unique per kind and every
// actor asset reference resolves.
func (s *Scene) Validate() error {
	var errs []error
	assets := make(map[string]bool, len(s.Assets))
	for i, a := range s.Assets {
		switch {
		case a.ID == "":
			errs = append(errs, fmt.Errorf("asset %d has no id", i))
		case assets[a.ID]:
			errs = append(errs, fmt.Errorf("duplicate asset id %q", a.ID))
		}
		assets[a.ID] = true
	}
	actors := make(map[string]bool, len(s.Actors))
	for i, a := range s.Actors {
		switch {
		case a.ID == "":
			errs = append(errs, fmt.Errorf("actor %d has no id", i))
		case actors[a.ID]:
			errs = append(errs, fmt.Errorf("duplicate actor id %q", a.ID))
		}
		actors[a.ID] = true
		if a.Asset != "" && !assets[a.Asset] {
			errs = append(errs, fmt.Errorf("actor %q references unknown asset %q", a.ID, a.Asset))
		}
	}
	return errors.Join(errs...)
}

// Apply creates the scene's assets, then its actors, in c. An actor's asset
// reference is stored in its state under "asset".
//
// Postcondition: Returns nil once every entity exists, or the first creation error.
func (s *Scene) Apply(c *session.Context) error {
	for _, a := range s.Assets {
		if _, err := c.CreateAsset(a.ID, a.State); err != nil {
			return fmt.Errorf("seeding scene %q: %w", s.Name, err)
		}
	}
	for _, a := range s.Actors {
		state := make(map[string]any, len(a.State)+1)
		for k, v := range a.State {
			state[k] = v
		}
		if a.Asset != "" {
			state["asset"] = a.Asset
		}
		if _, err := c.CreateActor(a.ID, state); err != nil {
			return fmt.Errorf("seeding scene %q: %w", s.Name, err)
		}
	}
	return nil
}
