package arch

// languageCandidates maps an engine architecture name to candidate
// language ids. Candidates cover both byte orders where the hardware
// allows either; resolution filters by endian and ranks the rest.
var languageCandidates = map[string][]string{
	"aarch64":           {"AARCH64:BE:64:v8A", "AARCH64:LE:64:AppleSilicon", "AARCH64:LE:64:v8A"},
	"aarch64:ilp32":     {"AARCH64:BE:32:ilp32", "AARCH64:LE:32:ilp32", "AARCH64:LE:64:AppleSilicon"},
	"arm_any":           {"ARM:BE:32:v8", "ARM:BE:32:v8T", "ARM:LE:32:v8", "ARM:LE:32:v8T"},
	"armv2":             {"ARM:BE:32:v4", "ARM:LE:32:v4"},
	"armv2a":            {"ARM:BE:32:v4", "ARM:LE:32:v4"},
	"armv3":             {"ARM:BE:32:v4", "ARM:LE:32:v4"},
	"armv3m":            {"ARM:BE:32:v4", "ARM:LE:32:v4"},
	"armv4":             {"ARM:BE:32:v4", "ARM:LE:32:v4"},
	"armv4t":            {"ARM:BE:32:v4t", "ARM:LE:32:v4t"},
	"armv5":             {"ARM:BE:32:v5", "ARM:LE:32:v5"},
	"armv5t":            {"ARM:BE:32:v5t", "ARM:LE:32:v5t"},
	"armv5tej":          {"ARM:BE:32:v5t", "ARM:LE:32:v5t"},
	"armv6":             {"ARM:BE:32:v6", "ARM:LE:32:v6"},
	"armv6-m":           {"ARM:BE:32:Cortex", "ARM:LE:32:Cortex"},
	"armv6k":            {"ARM:BE:32:Cortex", "ARM:LE:32:Cortex"},
	"armv6kz":           {"ARM:BE:32:Cortex", "ARM:LE:32:Cortex"},
	"armv6s-m":          {"ARM:BE:32:Cortex", "ARM:LE:32:Cortex"},
	"armv7":             {"ARM:BE:32:v7", "ARM:LE:32:v7"},
	"armv7e-m":          {"ARM:LE:32:Cortex"},
	"armv8-a":           {"ARM:BE:32:v8", "ARM:LE:32:v8"},
	"armv8-m.base":      {"ARM:BE:32:v8", "ARM:LE:32:v8"},
	"armv8-m.main":      {"ARM:BE:32:v8", "ARM:LE:32:v8"},
	"armv8-r":           {"ARM:BE:32:v8", "ARM:LE:32:v8"},
	"armv8.1-m.main":    {"ARM:BE:32:v8", "ARM:LE:32:v8"},
	"avr:107":           {"avr8:LE:24:xmega"},
	"avr:31":            {"avr8:LE:16:default"},
	"avr:51":            {"avr8:LE:16:atmega256"},
	"avr:6":             {"avr8:LE:16:atmega256"},
	"hppa2.0w":          {"pa-risc:BE:32:default"},
	"i386":              {"x86:LE:32:default"},
	"i386:intel":        {"x86:LE:32:default"},
	"i386:x86-64":       {"x86:LE:64:default"},
	"i386:x86-64:intel": {"x86:LE:64:default"},
	"i8086":             {"x86:LE:16:Protected Mode", "x86:LE:16:Real Mode"},
	"iwmmxt":            {"ARM:BE:32:v7", "ARM:BE:32:v8", "ARM:BE:32:v8T", "ARM:LE:32:v7", "ARM:LE:32:v8", "ARM:LE:32:v8T"},
	"m68hc12":           {"HC-12:BE:16:default"},
	"m68k":              {"68000:BE:32:default"},
	"m68k:68020":        {"68000:BE:32:MC68020"},
	"m68k:68030":        {"68000:BE:32:MC68030"},
	"m9s12x":            {"HCS-12:BE:24:default", "HCS-12X:BE:24:default"},
	"mips:4000":         {"MIPS:BE:32:default", "MIPS:LE:32:default"},
	"mips:5000":         {"MIPS:BE:64:64-32addr", "MIPS:BE:64:default", "MIPS:LE:64:64-32addr", "MIPS:LE:64:default"},
	"mips:micromips":    {"MIPS:BE:32:micro"},
	"msp:430X":          {"TI_MSP430:LE:16:default"},
	"powerpc:403":       {"PowerPC:BE:32:4xx", "PowerPC:LE:32:4xx"},
	"powerpc:MPC8XX":    {"PowerPC:BE:32:MPC8270", "PowerPC:BE:32:QUICC", "PowerPC:LE:32:QUICC"},
	"powerpc:common":    {"PowerPC:BE:32:default", "PowerPC:LE:32:default"},
	"powerpc:common64":  {"PowerPC:BE:64:64-32addr", "PowerPC:BE:64:default", "PowerPC:LE:64:64-32addr", "PowerPC:LE:64:default"},
	"powerpc:e500":      {"PowerPC:BE:32:e500", "PowerPC:LE:32:e500"},
	"powerpc:e500mc":    {"PowerPC:BE:64:A2ALT", "PowerPC:LE:64:A2ALT"},
	"powerpc:e500mc64":  {"PowerPC:BE:64:A2-32addr", "PowerPC:BE:64:A2ALT-32addr", "PowerPC:LE:64:A2-32addr", "PowerPC:LE:64:A2ALT-32addr"},
	"riscv:rv32":        {"RISCV:LE:32:RV32G", "RISCV:LE:32:RV32GC", "RISCV:LE:32:RV32I", "RISCV:LE:32:RV32IC", "RISCV:LE:32:RV32IMC", "RISCV:LE:32:default"},
	"riscv:rv64":        {"RISCV:LE:64:RV64G", "RISCV:LE:64:RV64GC", "RISCV:LE:64:RV64I", "RISCV:LE:64:RV64IC", "RISCV:LE:64:default"},
	"sh4":               {"SuperH4:BE:32:default", "SuperH4:LE:32:default"},
	"sparc:v9b":         {"sparc:BE:32:default", "sparc:BE:64:default"},
	"x86":               {"x86:LE:32:default"},
	"x64":               {"x86:LE:64:default"},
	"xscale":            {"ARM:BE:32:v6", "ARM:LE:32:v6"},
	"z80":               {"z80:LE:16:default", "z8401x:LE:16:default"},
}

// Compiler maps are keyed by platform name. The empty key is a
// wildcard matching any platform.
var data64CompilerMap = map[string]string{
	"": "pointer64",
}

var x86CompilerMap = map[string]string{
	"linux":   "gcc",
	"windows": "windows",
	// Compiler specs really describe the ABI, so Cygwin is MSVC.
	"Cygwin": "Visual Studio",
}

var compilerMaps = map[string]map[string]string{
	"DATA:BE:64:default": data64CompilerMap,
	"DATA:LE:64:default": data64CompilerMap,
	"x86:LE:32:default":  x86CompilerMap,
	"x86:LE:64:default":  x86CompilerMap,
}
