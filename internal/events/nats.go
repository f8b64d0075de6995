package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix prefixes every published subject.
const DefaultSubjectPrefix = "preventd"

// NATSPublisher forwards events to NATS subjects of the form
//
//	{prefix}.{kind}.{project_id}
//
// with "_" standing in for an empty project id.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
}

// NewNATSPublisher creates a publisher on an existing connection.
func NewNATSPublisher(nc *nats.Conn, prefix string) (*NATSPublisher, error) {
	if nc == nil {
		return nil, errors.New("nats connection is required")
	}
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSPublisher{nc: nc, prefix: prefix}, nil
}

// Subject returns the subject an event is published to.
func (p *NATSPublisher) Subject(e Event) string {
	project := subjectToken(e.ProjectID)
	if project == "" {
		project = "_"
	}
	return fmt.Sprintf("%s.%s.%s", p.prefix, e.Kind, project)
}

// Handle publishes e as JSON. It satisfies Handler.
func (p *NATSPublisher) Handle(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.nc.Publish(p.Subject(e), data); err != nil {
		return fmt.Errorf("publish %s event: %w", e.Kind, err)
	}
	return nil
}

// subjectToken strips characters NATS treats as separators or wildcards.
func subjectToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}
