package errors_test

import (
	"fmt"
	"io"

	"github.com/ajitpratap0/nebula-singer/pkg/errors"
)

// Example demonstrates basic error creation and details.
func Example() {
	err := errors.New(errors.ErrorTypeMissingKeyProperties, "record is missing key property 'id'").
		WithDetail("stream", "users").
		WithDetail("record", map[string]interface{}{"name": "a"})

	fmt.Println(err.Error())

	// Output:
	// missing_key_properties: record is missing key property 'id'
}

// ExampleWrap shows how to wrap existing errors with context.
func ExampleWrap() {
	err := errors.Wrap(io.EOF, errors.ErrorTypeFile, "failed to read batch manifest").
		WithDetail("file", "s3://bucket/users-1.jsonl.gz")

	if errors.IsType(err, errors.ErrorTypeFile) {
		fmt.Println("This is a file error")
	}
	if errors.Is(err, io.EOF) {
		fmt.Println("Original error was EOF")
	}

	// Output:
	// This is a file error
	// Original error was EOF
}

// ExampleIsType shows that IsType looks through the whole chain.
func ExampleIsType() {
	limit := errors.New(errors.ErrorTypeMaxRecordsLimit, "record cap reached")
	paused := errors.Wrap(limit, errors.ErrorTypeAbortedSyncPaused, "sync paused")

	fmt.Println(errors.IsType(paused, errors.ErrorTypeAbortedSyncPaused))
	fmt.Println(errors.IsType(paused, errors.ErrorTypeMaxRecordsLimit))
	fmt.Println(errors.IsType(paused, errors.ErrorTypeConfig))

	// Output:
	// true
	// true
	// false
}

// ExampleIsRetryable shows how to check if an error is retryable.
func ExampleIsRetryable() {
	fmt.Println(errors.IsRetryable(errors.New(errors.ErrorTypeRateLimit, "429 from api")))
	fmt.Println(errors.IsRetryable(errors.New(errors.ErrorTypeSchemaNotFound, "no schema")))

	// Output:
	// true
	// false
}
