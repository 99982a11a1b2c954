// Package extensions bundles the extensions shipped with the assistant.
package extensions

import (
	"github.com/nous-labs/gloria/internal/extension"
	"github.com/nous-labs/gloria/internal/extensions/knowledgerag"
	"github.com/nous-labs/gloria/internal/extensions/meeting"
	"github.com/nous-labs/gloria/internal/extensions/roommgmt"
	"github.com/nous-labs/gloria/internal/extensions/status"
)

// Catalog returns the factories of every bundled extension by id.
func Catalog() extension.Catalog {
	return extension.Catalog{
		knowledgerag.ID: knowledgerag.Factory,
		meeting.ID:      meeting.Factory,
		roommgmt.ID:     roommgmt.Factory,
		status.ID:       status.Factory,
	}
}
