package helper

// Core helpers back the IR operations a host may lack, plus the
// dispatcher services every frontend needs.
var coreSignatures = []Signature{
	Def("divu_i32", NoGlobalWrite, U32, U32, U32),
	Def("divs_i32", NoGlobalWrite, S32, S32, S32),
	Def("remu_i32", NoGlobalWrite, U32, U32, U32),
	Def("rems_i32", NoGlobalWrite, S32, S32, S32),
	Def("divu_i64", NoGlobalWrite, U64, U64, U64),
	Def("divs_i64", NoGlobalWrite, S64, S64, S64),
	Def("remu_i64", NoGlobalWrite, U64, U64, U64),
	Def("rems_i64", NoGlobalWrite, S64, S64, S64),
	Def("mulhu_i64", NoGlobalWrite, U64, U64, U64),
	Def("mulhs_i64", NoGlobalWrite, S64, S64, S64),
	Def("mulhsu_i64", NoGlobalWrite, S64, S64, U64),
	Def("rotl_i32", NoGlobalWrite, U32, U32, U32),
	Def("rotr_i32", NoGlobalWrite, U32, U32, U32),
	Def("rotl_i64", NoGlobalWrite, U64, U64, U64),
	Def("rotr_i64", NoGlobalWrite, U64, U64, U64),
	Def("clz_i32", NoGlobalWrite, U32, U32),
	Def("clz_i64", NoGlobalWrite, U64, U64),
	Def("ctz_i32", NoGlobalWrite, U32, U32),
	Def("ctz_i64", NoGlobalWrite, U64, U64),
	Def("ctpop_i32", NoGlobalWrite, U32, U32),
	Def("ctpop_i64", NoGlobalWrite, U64, U64),
	Def("bswap_i64", NoGlobalWrite, U64, U64),
	Def("gvec_add8", EnvImplicit, Void, U32, U32, U32, U32),
	Def("gvec_add16", EnvImplicit, Void, U32, U32, U32, U32),
	Def("gvec_add32", EnvImplicit, Void, U32, U32, U32, U32),
	Def("gvec_add64", EnvImplicit, Void, U32, U32, U32, U32),
	Def("raise_exception", EnvImplicit|MayNotReturn, Void, S32),
	Def("lookup_tb_ptr", EnvImplicit|NoGlobalWrite, Ptr),
}

// Core returns the core helper table.
func Core() *Table { return MustTable(coreSignatures...) }

// Fallback names the helper implementing an IR operation family at a width.
func Fallback(op string, bits int) string {
	if bits == 32 {
		return op + "_i32"
	}
	return op + "_i64"
}
