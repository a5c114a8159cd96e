package protocol

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/hex"
	"fmt"

	"github.com/nhirsama/Goster-RC/src/inter"
)

// 厂商协议固定密钥，整个车型家族共用
var vendorKey = []byte{
	0x34, 0x52, 0x2a, 0x5b, 0x7a, 0x6e, 0x49, 0x2c,
	0x08, 0x09, 0x0a, 0x9d, 0x8d, 0x2a, 0x23, 0xf8,
}

// 明文模板各字段偏移
const (
	offHeader   = 1 // "CTL" 占 1..3
	offForward  = 4
	offBackward = 5
	offLeft     = 6
	offRight    = 7
	offReserved = 8
	offSpeed    = 9
)

var ctlMagic = []byte("CTL")

// idlePlain 是厂商文档给出的空闲/停车帧的明文。
// 它与 {Left, 0x50} 的明文相同，因此该意图编码为停车帧，解码结果为空闲意图
var idlePlain = [inter.FrameSize]byte{0x00, 'C', 'T', 'L', 0x00, 0x00, 0x01, 0x00, 0x00, 0x50}

// StopFrameHex 文档约定的空闲/停车帧
const StopFrameHex = "e1055f54d880f49c2ce547267f930bf2"

// CommandCodec 实现 inter.FrameCodec 接口
// AES-128 单分组加密（等价于无填充 ECB），无 IV，无随机数
type CommandCodec struct {
	block cipher.Block
	stop  inter.Frame
}

// NewCommandCodec 创建一个使用厂商密钥的编解码器实例
func NewCommandCodec() inter.FrameCodec {
	c, err := newCommandCodec(vendorKey)
	if err != nil {
		// 固定 16 字节密钥，不可能失败
		panic(err)
	}
	return c
}

func newCommandCodec(key []byte) (*CommandCodec, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("AES初始化失败: %w", err)
	}
	c := &CommandCodec{block: block}
	c.stop = c.seal(idlePlain)
	return c, nil
}

// Plaintext 构造意图对应的明文模板（已规范化）
func Plaintext(intent inter.Intent) [inter.FrameSize]byte {
	in := intent.Canonical()
	if in.IsNeutral() {
		return idlePlain
	}

	var p [inter.FrameSize]byte
	copy(p[offHeader:], ctlMagic)
	p[offForward] = flag(in.Forward)
	p[offBackward] = flag(in.Backward)
	p[offLeft] = flag(in.Left)
	p[offRight] = flag(in.Right)
	p[offReserved] = 0x00
	p[offSpeed] = byte(in.Speed)
	return p
}

func (c *CommandCodec) Encode(intent inter.Intent) inter.Frame {
	return c.seal(Plaintext(intent))
}

func (c *CommandCodec) EncodeStrict(intent inter.Intent) (inter.Frame, error) {
	if !intent.InRange() {
		return inter.Frame{}, fmt.Errorf("%w: speed %d 超出 [%d, %d]", inter.ErrInvalidIntent, intent.Speed, inter.SpeedMin, inter.SpeedMax)
	}
	return c.Encode(intent), nil
}

func (c *CommandCodec) Decode(frame inter.Frame) (inter.Intent, error) {
	var p [inter.FrameSize]byte
	c.block.Decrypt(p[:], frame[:])

	if p == idlePlain {
		return inter.NeutralIntent(), nil
	}
	if p[0] != 0x00 || !bytes.Equal(p[offHeader:offHeader+len(ctlMagic)], ctlMagic) {
		return inter.Intent{}, fmt.Errorf("%w: 头部不匹配 %s", inter.ErrInvalidFrame, hex.EncodeToString(p[:4]))
	}
	for i := offSpeed + 1; i < inter.FrameSize; i++ {
		if p[i] != 0 {
			return inter.Intent{}, fmt.Errorf("%w: 填充字节 %d 非零", inter.ErrInvalidFrame, i)
		}
	}

	var out inter.Intent
	var err error
	if out.Forward, err = unflag(p[offForward]); err != nil {
		return inter.Intent{}, err
	}
	if out.Backward, err = unflag(p[offBackward]); err != nil {
		return inter.Intent{}, err
	}
	if out.Left, err = unflag(p[offLeft]); err != nil {
		return inter.Intent{}, err
	}
	if out.Right, err = unflag(p[offRight]); err != nil {
		return inter.Intent{}, err
	}
	out.Speed = int(p[offSpeed])
	return out, nil
}

func (c *CommandCodec) Stop() inter.Frame {
	return c.stop
}

func (c *CommandCodec) seal(p [inter.FrameSize]byte) inter.Frame {
	var f inter.Frame
	c.block.Encrypt(f[:], p[:])
	return f
}

// ParseFrameHex 解析 32 个十六进制字符表示的帧
func ParseFrameHex(s string) (inter.Frame, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return inter.Frame{}, fmt.Errorf("%w: %v", inter.ErrInvalidFrame, err)
	}
	return inter.FrameFromBytes(b)
}

func flag(b bool) byte {
	if b {
		return 0x01
	}
	return 0x00
}

func unflag(b byte) (bool, error) {
	switch b {
	case 0x00:
		return false, nil
	case 0x01:
		return true, nil
	default:
		return false, fmt.Errorf("%w: 标志位取值 0x%02x", inter.ErrInvalidFrame, b)
	}
}
