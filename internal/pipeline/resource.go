package pipeline

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"net/http"

	"github.com/any-hub/imgcache/internal/cache"
)

// Resource 是解码后的资源，内存层保存的就是它；Data 保留原始字节便于落盘和 HTTP 输出。
type Resource struct {
	Key    cache.Key
	Data   []byte
	Format string
	Width  int
	Height int
	Image  image.Image
}

// Cost 估算资源在内存中的占用：原始字节加上 RGBA 像素缓冲。
func (r *Resource) Cost() int64 {
	if r == nil {
		return 0
	}
	return int64(len(r.Data)) + int64(r.Width)*int64(r.Height)*4
}

// ContentType returns the MIME type for the original bytes.
func (r *Resource) ContentType() string {
	switch r.Format {
	case "png":
		return "image/png"
	case "jpeg":
		return "image/jpeg"
	case "gif":
		return "image/gif"
	}
	return http.DetectContentType(r.Data)
}

// Decoder turns raw bytes into a Resource.
type Decoder interface {
	Decode(key cache.Key, data []byte) (*Resource, error)
}

// ImageDecoder decodes png/jpeg/gif payloads via the image package.
type ImageDecoder struct{}

func (ImageDecoder) Decode(key cache.Key, data []byte) (*Resource, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrDecodeFailed)
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	bounds := img.Bounds()
	return &Resource{
		Key:    key,
		Data:   data,
		Format: format,
		Width:  bounds.Dx(),
		Height: bounds.Dy(),
		Image:  img,
	}, nil
}
