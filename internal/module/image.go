package module

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"strconv"
	"strings"
	"sync"

	"github.com/dop251/goja"
	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"github.com/nfnt/resize"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"

	"taskpool/internal/builtin"
	"taskpool/internal/util"
)

func init() {
	register("image", func(worker Worker) interface{} {
		return &ImageClient{runtime: worker.Runtime()}
	})
}

// ImageClient 的输入输出都是 ArrayBuffer，任务可以直接用 transfer 把编码结果移交给调用方
type ImageClient struct {
	runtime *goja.Runtime
}

func (c *ImageClient) Create(width, height int) *Image {
	return &Image{c: gg.NewContext(width, height), format: "png", runtime: c.runtime}
}

// Decode 接受 ArrayBuffer、Uint8Array 或 Buffer，jpeg 和 png 以外的格式无法解码
func (c *ImageClient) Decode(input goja.Value) (*Image, error) {
	raw, err := imageBytes(input)
	if err != nil {
		return nil, err
	}
	img, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	return &Image{c: gg.NewContextForImage(img), format: format, runtime: c.runtime}, nil
}

func imageBytes(input goja.Value) ([]byte, error) {
	if input == nil || goja.IsUndefined(input) || goja.IsNull(input) {
		return nil, errors.New("image input is empty")
	}
	switch v := input.Export().(type) {
	case goja.ArrayBuffer:
		return v.Bytes(), nil
	case []byte:
		return v, nil
	case *builtin.Buffer:
		return *v, nil
	case builtin.Buffer:
		return v, nil
	}
	return nil, errors.New("image input must be an ArrayBuffer or a byte array")
}

type Image struct {
	c       *gg.Context
	format  string // 解码时识别出的格式，Encode 未指定格式时沿用
	runtime *goja.Runtime
}

func (i *Image) derive(img image.Image) *Image {
	return &Image{c: gg.NewContextForImage(img), format: i.format, runtime: i.runtime}
}

func (i *Image) Width() int {
	return i.c.Width()
}

func (i *Image) Height() int {
	return i.c.Height()
}

// Pixel 返回 0xRRGGBBAA 格式的像素值
func (i *Image) Pixel(x int, y int) uint32 {
	c := color.RGBAModel.Convert(i.c.Image().At(x, y)).(color.RGBA)
	return uint32(c.R)<<24 | uint32(c.G)<<16 | uint32(c.B)<<8 | uint32(c.A)
}

func (i *Image) SetPixel(x int, y int, p uint32) {
	if img, ok := i.c.Image().(*image.RGBA); ok {
		img.SetRGBA(x, y, color.RGBA{R: uint8(p >> 24), G: uint8(p >> 16), B: uint8(p >> 8), A: uint8(p)})
	}
}

func (i *Image) Fill(c interface{}) error {
	rgba, err := parseColor(c)
	if err != nil {
		return err
	}
	i.c.SetColor(rgba)
	i.c.Clear()
	return nil
}

// DrawText 按 style 绘制文字，style 支持 color、size、width（自动换行宽度）、rotate（以 (x, y) 为中心的顺时针角度）、anchor（[ax, ay]）
func (i *Image) DrawText(s string, x, y float64, style map[string]interface{}) error {
	rgba := color.Color(color.Black)
	if v, ok := style["color"]; ok {
		var err error
		if rgba, err = parseColor(v); err != nil {
			return err
		}
	}
	size := 15.0
	if v, ok := util.ExportMapValue(style, "size", "float"); ok && v.(float64) > 0 {
		size = v.(float64)
	}
	face, err := fontFace(size)
	if err != nil {
		return err
	}

	var ax, ay float64
	if v, ok := util.ExportMapValue(style, "anchor", "slice"); ok {
		anchor := v.([]interface{})
		if len(anchor) == 2 {
			ax, _ = toFloat(anchor[0])
			ay, _ = toFloat(anchor[1])
		}
	}

	i.c.Push()
	defer i.c.Pop()
	i.c.SetFontFace(face)
	i.c.SetColor(rgba)
	if v, ok := util.ExportMapValue(style, "rotate", "float"); ok {
		i.c.RotateAbout(gg.Radians(v.(float64)), x, y)
	}
	if v, ok := util.ExportMapValue(style, "width", "float"); ok && v.(float64) > 0 {
		i.c.DrawStringWrapped(s, x, y, ax, ay, v.(float64), 1, gg.AlignLeft)
		return nil
	}
	i.c.DrawStringAnchored(s, x, y, ax, ay)
	return nil
}

func (i *Image) Paste(o *Image, x, y int) {
	i.c.DrawImage(o.c.Image(), x, y)
}

// Resize 缩放图片，宽或高为 0 时按比例计算
func (i *Image) Resize(w uint, h uint) *Image {
	return i.derive(resize.Resize(w, h, i.c.Image(), resize.Bilinear))
}

func (i *Image) Thumbnail(maxWidth uint, maxHeight uint) *Image {
	return i.derive(resize.Thumbnail(maxWidth, maxHeight, i.c.Image(), resize.Lanczos3))
}

func (i *Image) Crop(x, y, w, h int) *Image {
	c := gg.NewContext(w, h)
	c.DrawImage(i.c.Image(), -x, -y)
	return &Image{c: c, format: i.format, runtime: i.runtime}
}

// Encode 返回新的 ArrayBuffer，format 为空时使用原图格式，quality 只对 jpeg 有效
func (i *Image) Encode(format string, quality int) (goja.ArrayBuffer, error) {
	if format == "" {
		format = i.format
	}
	w := new(bytes.Buffer)
	var err error
	switch strings.ToLower(format) {
	case "png":
		err = png.Encode(w, i.c.Image())
	case "jpeg", "jpg":
		if quality <= 0 || quality > 100 {
			quality = 90
		}
		err = jpeg.Encode(w, i.c.Image(), &jpeg.Options{Quality: quality})
	default:
		err = errors.New("unsupported image format: " + format)
	}
	if err != nil {
		return goja.ArrayBuffer{}, err
	}
	return i.runtime.NewArrayBuffer(w.Bytes()), nil
}

var (
	regularOnce sync.Once
	regular     *truetype.Font
	regularErr  error
)

// fontFace 使用内置的 goregular 字体，字体只解析一次，各 worker 共享
func fontFace(size float64) (font.Face, error) {
	regularOnce.Do(func() {
		regular, regularErr = truetype.Parse(goregular.TTF)
	})
	if regularErr != nil {
		return nil, regularErr
	}
	return truetype.NewFace(regular, &truetype.Options{Size: size}), nil
}

// parseColor 接受 "#rrggbb"、"#rrggbbaa" 或 [r, g, b, a] 数组，缺少的透明度视为不透明
func parseColor(v interface{}) (color.Color, error) {
	switch x := v.(type) {
	case string:
		hex := strings.TrimPrefix(x, "#")
		if len(hex) != 6 && len(hex) != 8 {
			return nil, errors.New("invalid color value: " + x)
		}
		if len(hex) == 6 {
			hex += "ff"
		}
		var rgba [4]uint8
		for i := range rgba {
			n, err := strconv.ParseUint(hex[i*2:i*2+2], 16, 8)
			if err != nil {
				return nil, errors.New("invalid color value: " + x)
			}
			rgba[i] = uint8(n)
		}
		return color.NRGBA{rgba[0], rgba[1], rgba[2], rgba[3]}, nil
	case []interface{}:
		rgba := [4]uint8{0, 0, 0, 255}
		for i, e := range x {
			if i >= len(rgba) {
				break
			}
			f, ok := toFloat(e)
			if !ok {
				return nil, errors.New("invalid color component")
			}
			rgba[i] = uint8(f)
		}
		return color.NRGBA{rgba[0], rgba[1], rgba[2], rgba[3]}, nil
	}
	return nil, errors.New("invalid color value")
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}
