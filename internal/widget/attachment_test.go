package widget

import (
	"context"
	"errors"
	"strings"
	"testing"

	"livechat-widget/internal/domain"
	"livechat-widget/internal/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateUpload(t *testing.T) {
	cases := []struct {
		name string
		file transport.Upload
		want transport.UploadFailure
	}{
		{"image by mime", transport.Upload{Name: "shot.png", ContentType: "image/png", Size: 2048}, ""},
		{"pdf", transport.Upload{Name: "invoice.pdf", ContentType: "application/pdf"}, ""},
		{"extension match", transport.Upload{Name: "Report.DOCX", ContentType: "application/octet-stream"}, ""},
		{"mime with params", transport.Upload{Name: "notes", ContentType: "application/pdf; charset=binary"}, ""},
		{"mime from extension", transport.Upload{Name: "photo.jpg"}, ""},
		{"executable", transport.Upload{Name: "setup.exe", ContentType: "application/x-msdownload"}, transport.UploadDisallowedType},
		{"too large", transport.Upload{Name: "big.zip", Size: DefaultMaxFileSize + 1}, transport.UploadOversize},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := validateUpload(tc.file, DefaultMaxFileSize, DefaultAllowedFileTypes)
			if tc.want == "" {
				assert.NoError(t, err)
				return
			}
			var uploadErr *transport.UploadError
			require.ErrorAs(t, err, &uploadErr)
			assert.Equal(t, tc.want, uploadErr.Reason)
		})
	}

	err := validateUpload(transport.Upload{Name: "big.zip", Size: DefaultMaxFileSize + 1}, DefaultMaxFileSize, nil)
	assert.True(t, errors.Is(err, transport.ErrOversize))
}

func TestSendAttachment(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.widget.Init(context.Background()))
	require.NoError(t, h.widget.StartSession(context.Background(), PreChatForm{Name: "A"}))

	err := h.widget.SendAttachment(context.Background(), transport.Upload{Name: "setup.exe", Body: strings.NewReader("MZ")})
	var uploadErr *transport.UploadError
	require.ErrorAs(t, err, &uploadErr)
	assert.Equal(t, transport.UploadDisallowedType, uploadErr.Reason)
	assert.Empty(t, h.api.uploads)
	assert.ErrorAs(t, h.widget.Snapshot().Err, &uploadErr)

	image := transport.Upload{Name: "shot.png", ContentType: "image/png", Size: 4, Body: strings.NewReader("\x89PNG")}
	require.NoError(t, h.widget.SendAttachment(context.Background(), image))
	document := transport.Upload{Name: "notes.txt", ContentType: "text/plain", Size: 2, Body: strings.NewReader("hi")}
	require.NoError(t, h.widget.SendAttachment(context.Background(), document))

	require.Len(t, h.api.sent, 2)
	assert.Equal(t, sentCall{SessionID: "s1", Content: "Attached file: shot.png", Kind: domain.KindImage, AttachmentID: "att1"}, h.api.sent[0])
	assert.Equal(t, domain.KindFile, h.api.sent[1].Kind)
	assert.Len(t, h.widget.Snapshot().Messages, 2)
	assert.NoError(t, h.widget.Snapshot().Err)
}

func TestSendAttachmentUsesServerLimits(t *testing.T) {
	h := newHarness(t)
	h.api.settings = &domain.WidgetSettings{Online: true, MaxFileSize: 10, AllowedFileTypes: []string{".csv"}}
	require.NoError(t, h.widget.Init(context.Background()))
	require.NoError(t, h.widget.StartSession(context.Background(), PreChatForm{Name: "A"}))

	var uploadErr *transport.UploadError
	err := h.widget.SendAttachment(context.Background(), transport.Upload{Name: "data.csv", Size: 11, Body: strings.NewReader("x")})
	require.ErrorAs(t, err, &uploadErr)
	assert.Equal(t, transport.UploadOversize, uploadErr.Reason)

	err = h.widget.SendAttachment(context.Background(), transport.Upload{Name: "shot.png", ContentType: "image/png", Size: 5, Body: strings.NewReader("x")})
	require.ErrorAs(t, err, &uploadErr)
	assert.Equal(t, transport.UploadDisallowedType, uploadErr.Reason)

	require.NoError(t, h.widget.SendAttachment(context.Background(), transport.Upload{Name: "data.csv", Size: 5, Body: strings.NewReader("a,b")}))
	assert.Len(t, h.api.uploads, 1)
}

func TestSendAttachmentUploadFailure(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.widget.Init(context.Background()))
	require.NoError(t, h.widget.StartSession(context.Background(), PreChatForm{Name: "A"}))
	h.api.uploadErr = errors.New("connection reset")

	err := h.widget.SendAttachment(context.Background(), transport.Upload{Name: "notes.txt", ContentType: "text/plain", Body: strings.NewReader("x")})
	var uploadErr *transport.UploadError
	require.ErrorAs(t, err, &uploadErr)
	assert.Equal(t, transport.UploadTransport, uploadErr.Reason)
	assert.Empty(t, h.api.sent)
	assert.Equal(t, PhaseSessionActive, h.widget.Snapshot().Phase)
}
