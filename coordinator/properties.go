package coordinator

import (
	"context"
	"time"
)

// PropertiesDir holds process-wide settings shared through the coordinator
const PropertiesDir = "properties"

// Properties reads and writes named string settings on a backend
type Properties struct {
	backend Backend
	timeout time.Duration
}

// NewProperties wraps backend
func NewProperties(backend Backend) *Properties {
	return &Properties{backend: backend, timeout: 2 * time.Second}
}

// Property returns the value of name, or "" when it is unset or unreadable.
func (p *Properties) Property(name string) string {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	v, err := p.backend.Get(ctx, PropertiesDir+"/"+name)
	if err != nil {
		return ""
	}
	return string(v)
}

// SetProperty stores value under name. An empty value removes the property.
func (p *Properties) SetProperty(ctx context.Context, name, value string) error {
	if value == "" {
		return p.backend.Delete(ctx, PropertiesDir+"/"+name)
	}
	return p.backend.Put(ctx, PropertiesDir+"/"+name, []byte(value))
}

// All returns every stored property
func (p *Properties) All(ctx context.Context) (map[string]string, error) {
	names, err := p.backend.List(ctx, PropertiesDir)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(names))
	for _, n := range names {
		v, err := p.backend.Get(ctx, PropertiesDir+"/"+n)
		if err != nil {
			continue
		}
		out[n] = string(v)
	}
	return out, nil
}
