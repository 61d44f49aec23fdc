package status

import (
	"context"
	"errors"
	"fmt"

	"github.com/italolelis/seedbox_mirror/internal/engine"
	"github.com/italolelis/seedbox_mirror/internal/registry"
)

// Line is the rendered status of one download.
type Line struct {
	Text string
	Name string
	// Size is the formatted total size, "0B" when the download isn't active.
	Size string
}

// StatusMessage renders st. Only active downloads show progress, speed and
// ETA; queued downloads read "Queued" and the rest show their state.
func StatusMessage(st *engine.Status) Line {
	name := "Unknown"
	if f, ok := engine.FindFilePath(st.Files); ok {
		name = engine.FileName(f, st.Dir)
	}

	switch st.State {
	case engine.StateActive:
		size := FormatSize(st.TotalLength)
		text := fmt.Sprintf("%s - %s of %s at %sps, ETA: %s",
			name,
			RenderProgress(Progress(st.TotalLength, st.CompletedLength)),
			size,
			FormatSize(st.DownloadSpeed),
			FormatETA(st.TotalLength, st.CompletedLength, st.DownloadSpeed),
		)

		return Line{Text: text, Name: name, Size: size}
	case engine.StateWaiting:
		return Line{Text: name + " - Queued", Name: name, Size: "0B"}
	default:
		return Line{Text: fmt.Sprintf("%s - %s", name, st.State), Name: name, Size: "0B"}
	}
}

// JobLine queries the engine for job and renders its line. Query failures
// become an error line for that job only.
func JobLine(ctx context.Context, eng engine.Engine, job registry.Job) Line {
	st, err := eng.TellStatus(ctx, job.ID)
	if err != nil {
		var qe *engine.QueryError
		if errors.As(err, &qe) {
			err = qe.Err
		}

		return Line{Text: fmt.Sprintf("Error: %s - %v", job.ID, err)}
	}

	line := StatusMessage(st)
	if job.IsUploading {
		line.Text = line.Name + " - Uploading"
	}

	return line
}
