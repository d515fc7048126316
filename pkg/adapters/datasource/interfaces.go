package datasource

import "context"

// Source describes one kind of data source that can be ingested through a flow template.
// Implementations are stateless; everything specific to a connection arrives in props.
type Source interface {
	// Type returns the source type discriminator stored on the connection record.
	Type() string

	// Validate checks that props carry every field the template and pipeline need.
	Validate(props map[string]any) error

	// Variables builds the process group variables the template substitutes.
	Variables(props map[string]any) (map[string]string, error)

	// Datasets returns the dataset names the pipeline materializes, one topic each.
	Datasets(props map[string]any) ([]string, error)

	// TopicPrefix returns the prefix the flow prepends to every dataset topic.
	TopicPrefix(props map[string]any) (string, error)

	// SecretFields lists the property keys that must be encrypted at rest and redacted in responses.
	SecretFields() []string

	// ListTables introspects the source and returns the tables a user may select.
	ListTables(ctx context.Context, props map[string]any) ([]string, error)
}

// TopicName returns the topic carrying one dataset. The flow concatenates prefix
// and dataset name without a separator.
func TopicName(prefix, dataset string) string {
	return prefix + dataset
}
