package idgen

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/bwmarrin/snowflake"
)

// Generator mints unique ids used to correlate log lines of one login attempt.
type Generator interface {
	GenerateID() int64
}

// SnowflakeGenerator implements Generator using Twitter Snowflake
type SnowflakeGenerator struct {
	node *snowflake.Node
	mu   sync.Mutex
}

// NewSnowflakeGenerator initializes a new ID generator.
// nodeID must be unique per process sharing a log sink (0-1023).
func NewSnowflakeGenerator(nodeID int64) (*SnowflakeGenerator, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to create snowflake node: %w", err)
	}

	return &SnowflakeGenerator{node: node}, nil
}

func (g *SnowflakeGenerator) GenerateID() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.node.Generate().Int64()
}

// Format renders an id in the base used by log lines.
func Format(id int64) string {
	return strconv.FormatInt(id, 36)
}
