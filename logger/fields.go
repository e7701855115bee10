package logger

// Standard field key constants for structured logging.
const (
	FieldComponent   = "component"
	FieldPlugin      = "plugin"
	FieldStep        = "step"
	FieldStatus      = "status"
	FieldSubjectType = "subject_type"
	FieldSubjectID   = "subject_id"
	FieldProvider    = "provider"
	FieldTask        = "task"
	FieldOperation   = "operation"
	FieldError       = "error"
	FieldDuration    = "duration_ms"
)

// Fields builds a map[string]interface{} from alternating key-value pairs.
//
//	logger.Info("step executed", logger.Fields("plugin", "email-password", "step", "login"))
func Fields(kvs ...interface{}) map[string]interface{} {
	m := make(map[string]interface{}, len(kvs)/2)
	for i := 0; i < len(kvs)-1; i += 2 {
		if key, ok := kvs[i].(string); ok {
			m[key] = kvs[i+1]
		}
	}
	return m
}

// ErrorFields creates fields for an operation that failed.
func ErrorFields(op string, err error) map[string]interface{} {
	return map[string]interface{}{
		FieldOperation: op,
		FieldError:     err.Error(),
	}
}
