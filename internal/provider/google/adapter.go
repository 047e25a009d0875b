// Package google provides a Google Cloud Speech-to-Text adapter using
// continuous streaming recognition with vendor-side endpointing.
package google

import (
	"context"
	"strings"
	"sync"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/exkrishan/callstream/internal/provider"
)

// Factory opens Google streaming recognition sessions.
// Requires GOOGLE_APPLICATION_CREDENTIALS to be set.
type Factory struct {
	language string
	model    string
}

// New creates a Google adapter factory.
func New(language, model string) *Factory {
	return &Factory{language: language, model: model}
}

// Name returns the provider name.
func (f *Factory) Name() string { return "google" }

// Open creates a client and a streaming recognition session, sends the
// initial config and starts the receive loop.
func (f *Factory) Open(ctx context.Context, cfg provider.SessionConfig, cb provider.Callback) (provider.Session, error) {
	client, err := speech.NewClient(ctx)
	if err != nil {
		return nil, classify(err)
	}

	stream, err := client.StreamingRecognize(ctx)
	if err != nil {
		client.Close()
		return nil, classify(err)
	}

	encoding := speechpb.RecognitionConfig_LINEAR16
	if strings.EqualFold(cfg.Format.Encoding, "mulaw") {
		encoding = speechpb.RecognitionConfig_MULAW
	}

	err = stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Encoding:        encoding,
					SampleRateHertz: int32(cfg.Format.SampleRate),
					LanguageCode:    f.language,
					Model:           f.model,
				},
				InterimResults: true,
			},
		},
	})
	if err != nil {
		client.Close()
		return nil, classify(err)
	}

	s := &session{
		client: client,
		stream: stream,
		cfg:    cfg,
		cb:     cb,
		closed: make(chan struct{}),
	}
	go s.listen()
	return s, nil
}

type session struct {
	client *speech.Client
	stream speechpb.Speech_StreamingRecognizeClient
	cfg    provider.SessionConfig
	cb     provider.Callback

	sendMu sync.Mutex
	once   sync.Once
	closed chan struct{}
}

var _ provider.Session = (*session)(nil)

// Send forwards an audio chunk. Results arrive on the receive loop whenever
// Google's endpointing decides, uncorrelated to chunk boundaries.
func (s *session) Send(ctx context.Context, chunk []byte, seq uint64) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	err := s.stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
			AudioContent: chunk,
		},
	})
	if err != nil {
		return classify(err)
	}
	return nil
}

// Keepalive is a no-op: Google keeps the stream open as long as the gRPC
// connection lives and audio resumes within its streaming limit.
func (s *session) Keepalive(ctx context.Context) error {
	return nil
}

// Close half-closes the stream and releases the client. Idempotent.
func (s *session) Close() error {
	var err error
	s.once.Do(func() {
		close(s.closed)
		s.sendMu.Lock()
		err = s.stream.CloseSend()
		s.sendMu.Unlock()
		s.client.Close()
	})
	return err
}

func (s *session) listen() {
	for {
		resp, err := s.stream.Recv()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			s.cb.OnError(classify(err))
			return
		}

		for _, r := range resp.Results {
			if len(r.Alternatives) == 0 {
				continue
			}
			alt := r.Alternatives[0]
			s.cb.OnTranscript(provider.Result{
				InteractionID: s.cfg.InteractionID,
				Text:          alt.Transcript,
				IsFinal:       r.IsFinal,
				Confidence:    float64(alt.Confidence),
				TimestampMs:   time.Now().UnixMilli(),
			})
		}
	}
}

// classify maps gRPC status codes onto the retryable/fatal split.
func classify(err error) error {
	s, ok := status.FromError(err)
	if !ok {
		return provider.RetryableErr("unknown", err)
	}
	switch s.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted, codes.Internal:
		return provider.RetryableErr(s.Code().String(), err)
	case codes.InvalidArgument, codes.PermissionDenied, codes.Unauthenticated, codes.NotFound, codes.OutOfRange:
		return provider.FatalErr(s.Code().String(), err)
	default:
		return provider.RetryableErr(s.Code().String(), err)
	}
}
