package transport

import (
	"bufio"
	"context"
	"io"

	"github.com/tangramd/tangram/internal/export"
	"github.com/tangramd/tangram/internal/id"
)

// Push replicates roots from local to remote.
func Push(ctx context.Context, local, remote Handle, roots []id.ID) error {
	return replicate(ctx, local, remote, roots)
}

// Pull replicates roots from remote into local.
func Pull(ctx context.Context, local, remote Handle, roots []id.ID) error {
	return replicate(ctx, remote, local, roots)
}

// replicate streams roots from source to destination: an Exporter
// walks source's frontier into frames, an Importer applies them to
// destination and reports completed subtrees back, pruning the
// producer's walk exactly as spec §4.9's algorithm describes. It
// works unchanged whether source/destination are both local (direct
// replication, as in push_test.go), or one is a RemoteHandle backed
// by HTTP.
func replicate(ctx context.Context, source, destination Handle, roots []id.ID) error {
	exporter := export.NewExporter(source, source)
	importer := export.NewImporter(destination, destination)

	pr, pw := io.Pipe()
	incoming := make(chan export.Complete, 16)
	outgoing := make(chan export.Complete, 16)

	exportDone := make(chan error, 1)
	go func() {
		err := exporter.Export(ctx, pw, roots, incoming)
		pw.CloseWithError(err)
		exportDone <- err
	}()

	importDone := make(chan error, 1)
	go func() {
		importDone <- importer.Import(ctx, bufio.NewReader(pr), outgoing)
	}()

	forwardDone := make(chan struct{})
	go func() {
		defer close(forwardDone)
		for {
			select {
			case c, ok := <-outgoing:
				if !ok {
					return
				}
				select {
				case incoming <- c:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	exportErr := <-exportDone
	importErr := <-importDone
	close(outgoing)
	<-forwardDone

	if exportErr != nil {
		return exportErr
	}
	return importErr
}
