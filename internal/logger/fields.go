package logger

// Fields is an alias for map[string]interface{} for convenience.
type Fields map[string]interface{}

// Tracing fields, carried on the context logger through a batch run.
const (
	FieldRequestID = "request_id"
	FieldComponent = "component"

	// FieldBatchID is the provisioning batch identifier (batch_<ms>_<suffix>)
	FieldBatchID = "batch_id"

	// FieldAccountID is the local account being provisioned
	FieldAccountID = "account_id"

	// FieldPhoneID is the device-cloud phone/profile id
	FieldPhoneID = "phone_id"

	// FieldTaskID is the remote automation task id
	FieldTaskID = "task_id"

	// FieldStage is the pipeline stage currently executing
	FieldStage = "stage"
)

// Metric fields, used by the Entry API for aggregation.
const (
	FieldDurationMs = "duration_ms"
	FieldCount      = "count"
	FieldStatus     = "status"
	FieldAttempt    = "attempt"
	FieldSize       = "size"
)
