package nvenc

// TextureDesc is the part of a texture description the encoder needs.
type TextureDesc struct {
	Width     uint32
	Height    uint32
	Format    uint32
	MipLevels uint32
	ArraySize uint32
}

// D3D11Texture is a borrowed ID3D11Texture2D.
type D3D11Texture interface {
	Pointer() uintptr
	Desc() TextureDesc
}

// D3D11Device is a reference-counted ID3D11Device. Retain and Release
// adjust the COM reference count.
type D3D11Device interface {
	Pointer() uintptr
	Retain()
	Release()
}

// ResourceDimension mirrors D3D12_RESOURCE_DIMENSION.
type ResourceDimension uint32

const (
	ResourceDimensionUnknown   ResourceDimension = 0
	ResourceDimensionBuffer    ResourceDimension = 1
	ResourceDimensionTexture1D ResourceDimension = 2
	ResourceDimensionTexture2D ResourceDimension = 3
	ResourceDimensionTexture3D ResourceDimension = 4
)

// D3D12Resource is a borrowed ID3D12Resource.
type D3D12Resource interface {
	Pointer() uintptr
	Dimension() ResourceDimension
	Desc() TextureDesc
}

// D3D12Device creates the objects a D3D12 input needs.
type D3D12Device interface {
	Pointer() uintptr
	CreateCommandQueue() (CommandQueue, error)
	CreateFence() (Fence, error)
	// CreateBridge creates a D3D11-on-12 device on queue. The returned
	// device must expose video support.
	CreateBridge(queue CommandQueue) (BridgeDevice, error)
}

// CommandQueue is an owned ID3D12CommandQueue.
type CommandQueue interface {
	Pointer() uintptr
	Close() error
}

// Fence is an owned ID3D12Fence paired with a wait event.
type Fence interface {
	Pointer() uintptr
	CompletedValue() uint64
	// Wait blocks until the fence reaches value.
	Wait(value uint64) error
	Close() error
}

// BridgeDevice is an owned D3D11-on-12 device.
type BridgeDevice interface {
	D3D11Device
	// Wrap creates a D3D11 texture over res in the VIDEO_ENCODE_READ state.
	Wrap(res D3D12Resource) (WrappedTexture, error)
	Acquire(tex WrappedTexture)
	ReleaseWrapped(tex WrappedTexture)
	// Flush submits pending work on the immediate context.
	Flush()
	Close() error
}

// WrappedTexture is a D3D11 view of a D3D12 resource.
type WrappedTexture interface {
	D3D11Texture
	Close() error
}

// Input maps caller textures into encoder input handles.
type Input[T any] interface {
	RegisterResource(tex T) error
	UnregisterResource(tex T)
	MapResource(tex T) (MappedInput, error)
	UnmapResource(mapped MappedInput)
	Shutdown()
}

var (
	_ Input[D3D11Texture]  = (*D3D11Input)(nil)
	_ Input[D3D12Resource] = (*D3D12Input)(nil)
)
