package models

// ErrorKind is the stable, documented classification of a failure. Kinds are
// persisted on FAILED records and returned by the API.
type ErrorKind string

const (
	ErrorKindInvalidFormat      ErrorKind = "INVALID_FORMAT"
	ErrorKindSizeExceeded       ErrorKind = "SIZE_EXCEEDED"
	ErrorKindInvalidRequest     ErrorKind = "INVALID_REQUEST"
	ErrorKindStorageWriteFailed ErrorKind = "STORAGE_WRITE_FAILED"
	ErrorKindInvalidTransition  ErrorKind = "INVALID_TRANSITION"
	ErrorKindMalformedInput     ErrorKind = "MALFORMED_INPUT"
	ErrorKindTransformFailed    ErrorKind = "TRANSFORM_FAILED"
	ErrorKindTransient          ErrorKind = "TRANSIENT"
	ErrorKindTimeout            ErrorKind = "TIMEOUT"
	ErrorKindNotFound           ErrorKind = "NOT_FOUND"
	ErrorKindNotReady           ErrorKind = "NOT_READY"
	ErrorKindInternal           ErrorKind = "INTERNAL"
)

var errorKindHints = map[ErrorKind]string{
	ErrorKindInvalidFormat:      "Upload a .csv, .xlsx or .xls file.",
	ErrorKindSizeExceeded:       "Split the file or remove unused columns and upload again.",
	ErrorKindInvalidRequest:     "Check the request fields and try again.",
	ErrorKindStorageWriteFailed: "The file could not be stored. Try the upload again later.",
	ErrorKindInvalidTransition:  "The file is already being processed.",
	ErrorKindMalformedInput:     "Fix the reported problem or re-export the sheet as CSV and upload again.",
	ErrorKindTransformFailed:    "The data could not be transformed. Check the column values and upload again.",
	ErrorKindTransient:          "Processing failed for a temporary reason. Upload the file again.",
	ErrorKindTimeout:            "Processing did not finish in time. Upload a smaller file or try again later.",
	ErrorKindNotFound:           "The file does not exist.",
	ErrorKindNotReady:           "The file has not finished processing yet.",
	ErrorKindInternal:           "An unexpected error occurred.",
}

// Hint returns a user-facing remediation message for the kind.
func (k ErrorKind) Hint() string {
	if h, ok := errorKindHints[k]; ok {
		return h
	}
	return errorKindHints[ErrorKindInternal]
}

// ErrorDetail is the machine-readable failure recorded on a FAILED file.
type ErrorDetail struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Hint    string    `json:"hint,omitempty"`
}
