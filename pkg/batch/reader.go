package batch

import (
	"context"
	"io"
	"iter"

	"github.com/ajitpratap0/nebula-singer/pkg/errors"
	"github.com/ajitpratap0/nebula-singer/pkg/schema"
	"github.com/ajitpratap0/nebula-singer/pkg/singer"
	"github.com/ajitpratap0/nebula-singer/pkg/storage"
)

// Records yields every record of every file in msg's manifest, in manifest
// order. Iteration stops at the first error, which is yielded with a nil
// record.
func Records(ctx context.Context, msg *singer.BatchMessage, doc schema.Document, opts storage.Options) iter.Seq2[map[string]interface{}, error] {
	return func(yield func(map[string]interface{}, error) bool) {
		for _, url := range msg.Manifest {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			if !readFile(ctx, url, msg.Encoding, doc, opts, yield) {
				return
			}
		}
	}
}

func readFile(ctx context.Context, url string, enc singer.BatchEncoding, doc schema.Document, opts storage.Options,
	yield func(map[string]interface{}, error) bool) bool {
	src, err := storage.OpenURL(ctx, url, opts)
	if err != nil {
		yield(nil, err)
		return false
	}
	defer src.Close()

	r, err := NewReader(enc, doc, src)
	if err != nil {
		yield(nil, errors.Wrapf(err, errors.GetType(err), "failed to open batch file %s", url))
		return false
	}
	defer r.Close()

	for {
		record, err := r.Next()
		if err == io.EOF {
			return true
		}
		if err != nil {
			yield(nil, errors.Wrapf(err, errors.GetType(err), "failed to read batch file %s", url))
			return false
		}
		if !yield(record, nil) {
			return false
		}
	}
}
