// Package gpu implements backend.Backend on top of github.com/gogpu/wgpu's
// hardware abstraction layer, modeled on that module's own compute-copy
// example: one Vulkan instance and device, storage buffers for operand
// data, a uniform buffer carrying the element count, and a fence-gated
// compute dispatch per operation.
package gpu

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/vulkan"
	"github.com/gogpu/wgpu/hal/vulkan/vk"

	"github.com/Brymir7/FlameR/backend"
)

// submitTimeout bounds how long a single dispatch waits on its fence.
const submitTimeout = 5 * time.Second

// Backend is a GPU-resident backend.Backend implementation.
type Backend struct {
	instance hal.Instance
	device   hal.Device
	queue    hal.Queue
	cleanup  func()

	mu      sync.Mutex
	buffers map[uint64]hal.Buffer
	sizes   map[uint64]int
	nextTmp uint64

	pipelineMu sync.Mutex
	pipelines  map[string]*pipeline
}

type pipeline struct {
	shader   hal.ShaderModule
	bgLayout hal.BindGroupLayout
	plLayout hal.PipelineLayout
	compute  hal.ComputePipeline
	memset   bool
}

// New opens the first available Vulkan adapter and returns a ready-to-use
// GPU backend.
func New() (*Backend, error) {
	if err := vk.Init(); err != nil {
		return nil, fmt.Errorf("gpu: vk.Init: %w", err)
	}

	vkBackend := vulkan.Backend{}
	instance, err := vkBackend.CreateInstance(&hal.InstanceDescriptor{
		Backends: gputypes.BackendsVulkan,
	})
	if err != nil {
		return nil, fmt.Errorf("gpu: create instance: %w", err)
	}

	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, fmt.Errorf("gpu: no Vulkan adapters found")
	}

	open, err := adapters[0].Adapter.Open(0, adapters[0].Capabilities.Limits)
	if err != nil {
		instance.Destroy()
		return nil, fmt.Errorf("gpu: open device: %w", err)
	}

	b := &Backend{
		instance: instance,
		device:   open.Device,
		queue:    open.Queue,
		buffers:  make(map[uint64]hal.Buffer),
		sizes:    make(map[uint64]int),
		pipelines: make(map[string]*pipeline),
	}
	b.cleanup = func() {
		_ = open.Device.WaitIdle()
		open.Device.Destroy()
		instance.Destroy()
	}
	return b, nil
}

// Close releases the device and instance. Callers that constructed a
// Backend with New should defer Close.
func (b *Backend) Close() {
	b.pipelineMu.Lock()
	for _, p := range b.pipelines {
		b.device.DestroyComputePipeline(p.compute)
		b.device.DestroyPipelineLayout(p.plLayout)
		b.device.DestroyBindGroupLayout(p.bgLayout)
		b.device.DestroyShaderModule(p.shader)
	}
	b.pipelineMu.Unlock()

	b.mu.Lock()
	for _, buf := range b.buffers {
		b.device.DestroyBuffer(buf)
	}
	b.mu.Unlock()

	if b.cleanup != nil {
		b.cleanup()
	}
}

func (b *Backend) Name() string { return "gpu" }

const tmpBase = uint64(1) << 63

func (b *Backend) Allocate(id uint64, size int) (backend.BufferHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.sizes[id]; ok {
		if existing != size {
			return backend.BufferHandle{}, &backend.SizeMismatchError{ID: id, Existing: existing, Requested: size}
		}
		return backend.BufferHandle{ID: id, Count: size}, nil
	}
	buf, err := b.device.CreateBuffer(&hal.BufferDescriptor{
		Label: "flamer-buffer",
		Size:  uint64(size * 4),
		Usage: gputypes.BufferUsageStorage | gputypes.BufferUsageCopyDst | gputypes.BufferUsageCopySrc,
	})
	if err != nil {
		return backend.BufferHandle{}, fmt.Errorf("gpu: create buffer: %w", err)
	}
	b.buffers[id] = buf
	b.sizes[id] = size
	return backend.BufferHandle{ID: id, Count: size}, nil
}

func (b *Backend) AllocateTemporary(data []float32) (backend.BufferHandle, error) {
	b.mu.Lock()
	id := tmpBase | atomic.AddUint64(&b.nextTmp, 1)
	b.mu.Unlock()

	h, err := b.Allocate(id, len(data))
	if err != nil {
		return backend.BufferHandle{}, err
	}
	if err := b.Upload(data, h); err != nil {
		return backend.BufferHandle{}, err
	}
	return h, nil
}

func (b *Backend) Free(h backend.BufferHandle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if buf, ok := b.buffers[h.ID]; ok {
		b.device.DestroyBuffer(buf)
		delete(b.buffers, h.ID)
		delete(b.sizes, h.ID)
	}
}

func (b *Backend) Upload(data []float32, h backend.BufferHandle) error {
	b.mu.Lock()
	buf, ok := b.buffers[h.ID]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("gpu: upload to unknown buffer %d", h.ID)
	}
	b.queue.WriteBuffer(buf, 0, float32sToBytes(data))
	return nil
}

func (b *Backend) Download(h backend.BufferHandle, size int) ([]float32, error) {
	b.mu.Lock()
	buf, ok := b.buffers[h.ID]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("gpu: download from unknown buffer %d", h.ID)
	}

	staging, err := b.device.CreateBuffer(&hal.BufferDescriptor{
		Label: "flamer-staging",
		Size:  uint64(size * 4),
		Usage: gputypes.BufferUsageCopyDst | gputypes.BufferUsageMapRead,
	})
	if err != nil {
		return nil, fmt.Errorf("gpu: create staging buffer: %w", err)
	}
	defer b.device.DestroyBuffer(staging)

	encoder, err := b.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: "download"})
	if err != nil {
		return nil, fmt.Errorf("gpu: create encoder: %w", err)
	}
	if err := encoder.BeginEncoding("download"); err != nil {
		return nil, fmt.Errorf("gpu: begin encoding: %w", err)
	}
	encoder.CopyBufferToBuffer(buf, staging, []hal.BufferCopy{{SrcOffset: 0, DstOffset: 0, Size: uint64(size * 4)}})
	cmdBuf, err := encoder.EndEncoding()
	if err != nil {
		return nil, fmt.Errorf("gpu: end encoding: %w", err)
	}

	if err := b.submit(cmdBuf); err != nil {
		return nil, err
	}

	raw := make([]byte, size*4)
	if err := b.queue.ReadBuffer(staging, 0, raw); err != nil {
		return nil, fmt.Errorf("gpu: read staging buffer: %w", err)
	}
	return bytesToFloat32s(raw), nil
}

func (b *Backend) Read(h backend.BufferHandle) ([]float32, error) {
	return b.Download(h, h.Count)
}

func (b *Backend) Add(a, c, result backend.BufferHandle, size int) error {
	return b.dispatchBinary("add", a, c, result, size)
}

func (b *Backend) Sub(a, c, result backend.BufferHandle, size int) error {
	return b.dispatchBinary("sub", a, c, result, size)
}

func (b *Backend) Mul(a, c, result backend.BufferHandle, size int) error {
	return b.dispatchBinary("mul", a, c, result, size)
}

func (b *Backend) Div(a, c, result backend.BufferHandle, size int) error {
	return b.dispatchBinary("div", a, c, result, size)
}

func (b *Backend) Memset(dst, src backend.BufferHandle, size int) error {
	if dst.ID == src.ID {
		return nil
	}
	p, err := b.binaryPipeline("memset")
	if err != nil {
		return err
	}

	b.mu.Lock()
	srcBuf, ok1 := b.buffers[src.ID]
	dstBuf, ok2 := b.buffers[dst.ID]
	b.mu.Unlock()
	if !ok1 || !ok2 {
		return fmt.Errorf("gpu: memset on unknown buffer")
	}

	uniform, err := b.countUniform(size)
	if err != nil {
		return err
	}
	defer b.device.DestroyBuffer(uniform)

	bg, err := b.device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:  "memset-bg",
		Layout: p.bgLayout,
		Entries: []gputypes.BindGroupEntry{
			{Binding: 0, Resource: gputypes.BufferBinding{Buffer: srcBuf.NativeHandle(), Offset: 0, Size: uint64(size * 4)}},
			{Binding: 1, Resource: gputypes.BufferBinding{Buffer: dstBuf.NativeHandle(), Offset: 0, Size: uint64(size * 4)}},
			{Binding: 2, Resource: gputypes.BufferBinding{Buffer: uniform.NativeHandle(), Offset: 0, Size: 4}},
		},
	})
	if err != nil {
		return fmt.Errorf("gpu: create memset bind group: %w", err)
	}
	defer b.device.DestroyBindGroup(bg)

	return b.dispatch(p.compute, bg, size)
}

// dispatchBinary runs the named binary-op pipeline over a, c into result.
func (b *Backend) dispatchBinary(name string, a, c, result backend.BufferHandle, size int) error {
	p, err := b.binaryPipeline(name)
	if err != nil {
		return err
	}

	b.mu.Lock()
	aBuf, ok1 := b.buffers[a.ID]
	cBuf, ok2 := b.buffers[c.ID]
	rBuf, ok3 := b.buffers[result.ID]
	b.mu.Unlock()
	if !ok1 || !ok2 || !ok3 {
		return fmt.Errorf("gpu: %s on unknown buffer", name)
	}

	uniform, err := b.countUniform(size)
	if err != nil {
		return err
	}
	defer b.device.DestroyBuffer(uniform)

	bg, err := b.device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:  name + "-bg",
		Layout: p.bgLayout,
		Entries: []gputypes.BindGroupEntry{
			{Binding: 0, Resource: gputypes.BufferBinding{Buffer: aBuf.NativeHandle(), Offset: 0, Size: uint64(size * 4)}},
			{Binding: 1, Resource: gputypes.BufferBinding{Buffer: cBuf.NativeHandle(), Offset: 0, Size: uint64(size * 4)}},
			{Binding: 2, Resource: gputypes.BufferBinding{Buffer: rBuf.NativeHandle(), Offset: 0, Size: uint64(size * 4)}},
			{Binding: 3, Resource: gputypes.BufferBinding{Buffer: uniform.NativeHandle(), Offset: 0, Size: 4}},
		},
	})
	if err != nil {
		return fmt.Errorf("gpu: create %s bind group: %w", name, err)
	}
	defer b.device.DestroyBindGroup(bg)

	return b.dispatch(p.compute, bg, size)
}

// countUniform writes a one-field {count} uniform buffer, the substitute
// for a push constant this HAL surface does not expose.
func (b *Backend) countUniform(size int) (hal.Buffer, error) {
	buf, err := b.device.CreateBuffer(&hal.BufferDescriptor{
		Label: "params",
		Size:  4,
		Usage: gputypes.BufferUsageUniform | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("gpu: create uniform buffer: %w", err)
	}
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, uint32(size))
	b.queue.WriteBuffer(buf, 0, data)
	return buf, nil
}

func (b *Backend) dispatch(compute hal.ComputePipeline, bg hal.BindGroup, size int) error {
	encoder, err := b.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: "dispatch"})
	if err != nil {
		return fmt.Errorf("gpu: create encoder: %w", err)
	}
	if err := encoder.BeginEncoding("dispatch"); err != nil {
		return fmt.Errorf("gpu: begin encoding: %w", err)
	}
	pass := encoder.BeginComputePass(&hal.ComputePassDescriptor{Label: "dispatch"})
	pass.SetPipeline(compute)
	pass.SetBindGroup(0, bg, nil)
	pass.Dispatch(dispatchCount(size), 1, 1)
	pass.End()

	cmdBuf, err := encoder.EndEncoding()
	if err != nil {
		return fmt.Errorf("gpu: end encoding: %w", err)
	}
	return b.submit(cmdBuf)
}

func (b *Backend) submit(cmdBuf hal.CommandBuffer) error {
	fence, err := b.device.CreateFence()
	if err != nil {
		return fmt.Errorf("gpu: create fence: %w", err)
	}
	defer b.device.DestroyFence(fence)

	if err := b.queue.Submit([]hal.CommandBuffer{cmdBuf}, fence, 1); err != nil {
		return fmt.Errorf("gpu: submit: %w", err)
	}
	ok, err := b.device.Wait(fence, 1, submitTimeout)
	if err != nil {
		return fmt.Errorf("gpu: wait: %w", err)
	}
	if !ok {
		return fmt.Errorf("gpu: fence timeout after %s", submitTimeout)
	}
	return nil
}

// binaryPipeline returns the cached pipeline for op name, compiling and
// caching it on first use. name is one of "add", "sub", "mul", "div",
// "memset".
func (b *Backend) binaryPipeline(name string) (*pipeline, error) {
	b.pipelineMu.Lock()
	defer b.pipelineMu.Unlock()

	if p, ok := b.pipelines[name]; ok {
		return p, nil
	}

	isMemset := name == "memset"
	var source string
	var entries []gputypes.BindGroupLayoutEntry
	if isMemset {
		source = memsetWGSL
		entries = []gputypes.BindGroupLayoutEntry{
			{Binding: 0, Visibility: gputypes.ShaderStageCompute, Buffer: &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeReadOnlyStorage}},
			{Binding: 1, Visibility: gputypes.ShaderStageCompute, Buffer: &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeStorage}},
			{Binding: 2, Visibility: gputypes.ShaderStageCompute, Buffer: &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeUniform}},
		}
	} else {
		source = fmt.Sprintf(binaryOpWGSL, opExpr(name))
		entries = []gputypes.BindGroupLayoutEntry{
			{Binding: 0, Visibility: gputypes.ShaderStageCompute, Buffer: &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeStorage}},
			{Binding: 1, Visibility: gputypes.ShaderStageCompute, Buffer: &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeStorage}},
			{Binding: 2, Visibility: gputypes.ShaderStageCompute, Buffer: &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeStorage}},
			{Binding: 3, Visibility: gputypes.ShaderStageCompute, Buffer: &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeUniform}},
		}
	}

	shader, err := b.device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  name + "-shader",
		Source: hal.ShaderSource{WGSL: source},
	})
	if err != nil {
		return nil, fmt.Errorf("gpu: create %s shader: %w", name, err)
	}

	bgLayout, err := b.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label:   name + "-bgl",
		Entries: entries,
	})
	if err != nil {
		b.device.DestroyShaderModule(shader)
		return nil, fmt.Errorf("gpu: create %s bind group layout: %w", name, err)
	}

	plLayout, err := b.device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            name + "-pl",
		BindGroupLayouts: []hal.BindGroupLayout{bgLayout},
	})
	if err != nil {
		b.device.DestroyBindGroupLayout(bgLayout)
		b.device.DestroyShaderModule(shader)
		return nil, fmt.Errorf("gpu: create %s pipeline layout: %w", name, err)
	}

	compute, err := b.device.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label:  name + "-pipeline",
		Layout: plLayout,
		Compute: hal.ComputeState{
			Module:     shader,
			EntryPoint: "main",
		},
	})
	if err != nil {
		b.device.DestroyPipelineLayout(plLayout)
		b.device.DestroyBindGroupLayout(bgLayout)
		b.device.DestroyShaderModule(shader)
		return nil, fmt.Errorf("gpu: create %s pipeline: %w", name, err)
	}

	p := &pipeline{shader: shader, bgLayout: bgLayout, plLayout: plLayout, compute: compute, memset: isMemset}
	b.pipelines[name] = p
	return p, nil
}

func float32sToBytes(data []float32) []byte {
	out := make([]byte, len(data)*4)
	for i, f := range data {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(f))
	}
	return out
}

func bytesToFloat32s(data []byte) []float32 {
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out
}
