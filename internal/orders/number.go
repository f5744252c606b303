package orders

import (
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
)

// NumberGenerator issues human readable order numbers. Numbers are unique
// across workers as long as every worker uses a distinct node id.
type NumberGenerator struct {
	node *snowflake.Node
}

// NewNumberGenerator returns a generator for node (0-1023).
func NewNumberGenerator(node int64) (*NumberGenerator, error) {
	n, err := snowflake.NewNode(node)
	if err != nil {
		return nil, fmt.Errorf("snowflake node: %w", err)
	}
	return &NumberGenerator{node: n}, nil
}

// Next returns a fresh order number such as "ORD-3CRJ1OAKYJ7K".
func (g *NumberGenerator) Next() string {
	return "ORD-" + strings.ToUpper(g.node.Generate().Base36())
}
