package relay

import (
	"context"
	"fmt"
	"io"

	"github.com/maauso/video-relay/internal/storage"
)

// HLSRequest identifies one HLS manifest or segment file.
type HLSRequest struct {
	VideoID   string
	FileName  string
	Sensitive bool
	Metadata  map[string]string
}

// DuplicateHLS relays one HLS file under <video>/hls/<file>.
func (s *Service) DuplicateHLS(ctx context.Context, req HLSRequest, body io.Reader) (outcome *Outcome, err error) {
	done := s.metrics.RelayStarted("duplicate_hls")
	defer func() { done(err) }()

	if err := validateID("video", req.VideoID); err != nil {
		return nil, err
	}
	if !isPathElement(req.FileName) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidFileName, req.FileName)
	}

	return s.relay(ctx, HLSKey(req.VideoID, req.FileName), req.Sensitive, body, storage.WriteOptions{Metadata: req.Metadata})
}
