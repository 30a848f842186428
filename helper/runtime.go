package helper

import (
	"encoding/binary"
	"fmt"

	"github.com/colorfulnotion/dbt/ir"
)

func u32op(code ir.Opcode) func(a, b uint32) uint32 {
	return func(a, b uint32) uint32 { return uint32(ir.Eval2(code, ir.I32, uint64(a), uint64(b))) }
}

func s32op(code ir.Opcode) func(a, b int32) int32 {
	return func(a, b int32) int32 { return int32(ir.Eval2(code, ir.I32, uint64(uint32(a)), uint64(uint32(b)))) }
}

func u64op(code ir.Opcode) func(a, b uint64) uint64 {
	return func(a, b uint64) uint64 { return ir.Eval2(code, ir.I64, a, b) }
}

func s64op(code ir.Opcode) func(a, b int64) int64 {
	return func(a, b int64) int64 { return int64(ir.Eval2(code, ir.I64, uint64(a), uint64(b))) }
}

func u32un(code ir.Opcode) func(a uint32) uint32 {
	return func(a uint32) uint32 { return uint32(ir.Eval1(code, ir.I32, uint64(a))) }
}

func u64un(code ir.Opcode) func(a uint64) uint64 {
	return func(a uint64) uint64 { return ir.Eval1(code, ir.I64, a) }
}

func gvecAdd(lane int) func(env Env, dofs, aofs, bofs, size uint32) {
	return func(env Env, dofs, aofs, bofs, size uint32) {
		a := make([]byte, size)
		b := make([]byte, size)
		if env.ReadEnv(int32(aofs), a) != nil || env.ReadEnv(int32(bofs), b) != nil {
			return
		}
		scratch := append(a, b...)
		ir.GvecAdd(scratch, lane, int(size), 0, 0, int32(size))
		_ = env.WriteEnv(int32(dofs), scratch[:size])
	}
}

// CoreImplementations maps every core helper to its runtime function.
func CoreImplementations() map[string]any {
	return map[string]any{
		"divu_i32":   u32op(ir.OpDivu),
		"divs_i32":   s32op(ir.OpDivs),
		"remu_i32":   u32op(ir.OpRemu),
		"rems_i32":   s32op(ir.OpRems),
		"divu_i64":   u64op(ir.OpDivu),
		"divs_i64":   s64op(ir.OpDivs),
		"remu_i64":   u64op(ir.OpRemu),
		"rems_i64":   s64op(ir.OpRems),
		"mulhu_i64":  u64op(ir.OpMulhu),
		"mulhs_i64":  s64op(ir.OpMulhs),
		"mulhsu_i64": func(a int64, b uint64) int64 { return int64(ir.Mulhsu(ir.I64, uint64(a), b)) },
		"rotl_i32":   u32op(ir.OpRotl),
		"rotr_i32":   u32op(ir.OpRotr),
		"rotl_i64":   u64op(ir.OpRotl),
		"rotr_i64":   u64op(ir.OpRotr),
		"clz_i32":    u32un(ir.OpClz),
		"clz_i64":    u64un(ir.OpClz),
		"ctz_i32":    u32un(ir.OpCtz),
		"ctz_i64":    u64un(ir.OpCtz),
		"ctpop_i32":  u32un(ir.OpCtpop),
		"ctpop_i64":  u64un(ir.OpCtpop),
		"bswap_i64":  u64un(ir.OpBswap),
		"gvec_add8":  gvecAdd(8),
		"gvec_add16": gvecAdd(16),
		"gvec_add32": gvecAdd(32),
		"gvec_add64": gvecAdd(64),
		"raise_exception": func(env Env, excp int32) {
			env.RaiseException(excp)
			Unwind()
		},
		"lookup_tb_ptr": func(env Env) Addr {
			return Addr(env.LookupTBPtr())
		},
	}
}

// RegisterAll binds impls and then checks every declared helper is bound.
func RegisterAll(r *Registry, impls ...map[string]any) error {
	for _, m := range impls {
		for name, fn := range m {
			if _, ok := r.table.index(name); !ok {
				continue
			}
			if err := r.Register(name, fn); err != nil {
				return err
			}
		}
	}
	return r.Verify()
}

// EnvU64 reads a 64-bit env slot.
func EnvU64(env Env, off int32) (uint64, error) {
	var b [8]byte
	if err := env.ReadEnv(off, b[:]); err != nil {
		return 0, fmt.Errorf("env read +%d: %w", off, err)
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func SetEnvU64(env Env, off int32, v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return env.WriteEnv(off, b[:])
}
