package gpu

// Every binary-op shader shares the same bind group shape: two operand
// storage buffers and a result storage buffer, all declared read_write so
// that a result handle aliasing an operand (the SGD step's value ← value −
// gradient update) is well defined. Element count rides in a uniform
// buffer at binding 3 rather than a true push constant: the retrieved HAL
// surface this backend is grounded on has no push-constant path, only
// uniform buffers (see the Params struct in the compute-copy example this
// package follows).
const binaryOpWGSL = `
@group(0) @binding(0) var<storage, read_write> lhs: array<f32>;
@group(0) @binding(1) var<storage, read_write> rhs: array<f32>;
@group(0) @binding(2) var<storage, read_write> result: array<f32>;

struct Params {
    count: u32,
}
@group(0) @binding(3) var<uniform> params: Params;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let i = gid.x;
    if (i >= params.count) {
        return;
    }
    result[i] = %s;
}
`

// divExpr guards against a zero divisor by producing a quiet NaN, matching
// the host backend's float32 divide-by-zero behavior, rather than the
// hardware's default of +/-inf.
const divExpr = `select(lhs[i] / rhs[i], bitcast<f32>(0x7fc00000u), rhs[i] == 0.0)`

func opExpr(name string) string {
	switch name {
	case "add":
		return "lhs[i] + rhs[i]"
	case "sub":
		return "lhs[i] - rhs[i]"
	case "mul":
		return "lhs[i] * rhs[i]"
	case "div":
		return divExpr
	default:
		return "lhs[i]"
	}
}

// memsetWGSL overwrites dst with src's values; dst == src (in-place
// no-op) is valid since the copy is element-wise identity in that case.
const memsetWGSL = `
@group(0) @binding(0) var<storage, read> src: array<f32>;
@group(0) @binding(1) var<storage, read_write> dst: array<f32>;

struct Params {
    count: u32,
}
@group(0) @binding(2) var<uniform> params: Params;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let i = gid.x;
    if (i >= params.count) {
        return;
    }
    dst[i] = src[i];
}
`

// workgroupSize must match the @workgroup_size declarations above.
const workgroupSize = 256

// dispatchCount returns the number of workgroups needed to cover n
// elements at workgroupSize threads each.
func dispatchCount(n int) uint32 {
	return uint32((n + workgroupSize - 1) / workgroupSize)
}
