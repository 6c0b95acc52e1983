// Package faultdecoder maps a chip name to an architecture-specific
// fault decoder and implements the ARM Cortex-M decoder: parsing GDB
// register dumps, decoding CFSR/HFSR/SFSR bitfields, recovering the
// stacked PC from an exception frame, and suggesting mitigations.
//
// Unlike most of this repository, this package has no line-for-line
// original to translate: fault_decoders/cortex_m.py upstream is a
// docstring-only stub with no decode logic. The bitfield layouts here
// come from the public ARMv7-M/ARMv8-M architecture reference manuals
// (CFSR at 0xE000ED28, HFSR at 0xE000ED2C, MMFAR at 0xE000ED34, BFAR
// at 0xE000ED38, SFSR at 0xE000EDE4, SFAR at 0xE000EDE8), following
// the decode strategy spec.md §4.Q describes.
package faultdecoder

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Report is the architecture-neutral result of a fault analysis pass.
type Report struct {
	Arch            string
	FaultRegisters  map[string]uint32
	CoreRegs        map[string]uint32
	StackedPC       *uint32
	Backtrace       string
	Faults          []string
	Suggestions     []string
	RawGDBOutput    string
}

// Decoder is the interface every architecture-specific decoder implements.
type Decoder interface {
	Name() string
	// GDBCommands returns the commands to run (after "monitor halt",
	// before "info registers" and "bt") to read fault state.
	GDBCommands() []string
	ParseAndDecode(gdbOutput string) Report
}

// registry maps a lowercased chip name to a decoder constructor.
var registry = map[string]func() Decoder{
	"nrf5340":  func() Decoder { return NewCortexMDecoder() },
	"nrf52840": func() Decoder { return NewCortexMDecoder() },
	"nrf52833": func() Decoder { return NewCortexMDecoder() },
	"stm32":    func() Decoder { return NewCortexMDecoder() },
	"stm32f1":  func() Decoder { return NewCortexMDecoder() },
	"stm32f3":  func() Decoder { return NewCortexMDecoder() },
	"stm32f4":  func() Decoder { return NewCortexMDecoder() },
	"stm32l4":  func() Decoder { return NewCortexMDecoder() },
	"stm32h7":  func() Decoder { return NewCortexMDecoder() },
	"mcxn947":  func() Decoder { return NewCortexMDecoder() },
}

// Get returns the decoder registered for chip, defaulting to the ARM
// Cortex-M decoder for unrecognized chips.
func Get(chip string) Decoder {
	if ctor, ok := registry[strings.ToLower(chip)]; ok {
		return ctor()
	}
	return NewCortexMDecoder()
}

// ARM Cortex-M System Control Block fault register addresses.
const (
	addrCFSR = 0xE000ED28
	addrHFSR = 0xE000ED2C
	addrMMFAR = 0xE000ED34
	addrBFAR = 0xE000ED38
	addrSFSR = 0xE000EDE4
	addrSFAR = 0xE000EDE8
)

// CortexMDecoder decodes ARM Cortex-M0+/M3/M4/M7/M23/M33/M55 fault state.
type CortexMDecoder struct{}

func NewCortexMDecoder() *CortexMDecoder { return &CortexMDecoder{} }

func (d *CortexMDecoder) Name() string { return "ARM Cortex-M" }

// GDBCommands reads the six fault/status registers via direct memory
// access, so parsing doesn't depend on a symbol table being loaded.
// stackFrameMarker delimits the dump of the 8-word auto-stacked
// exception frame ({r0,r1,r2,r3,r12,lr,pc,xpsr}) so ParseAndDecode can
// find it unambiguously in the concatenated batch output, since GDB
// doesn't otherwise echo which command produced which block.
const stackFrameMarker = "EAB-STACKFRAME:"

func (d *CortexMDecoder) GDBCommands() []string {
	return []string{
		fmt.Sprintf("x/1xw 0x%08X", addrCFSR),
		fmt.Sprintf("x/1xw 0x%08X", addrHFSR),
		fmt.Sprintf("x/1xw 0x%08X", addrMMFAR),
		fmt.Sprintf("x/1xw 0x%08X", addrBFAR),
		fmt.Sprintf("x/1xw 0x%08X", addrSFSR),
		fmt.Sprintf("x/1xw 0x%08X", addrSFAR),
		"echo " + stackFrameMarker + "\\n",
		"x/8xw $psp",
	}
}

// gdbMemLine matches GDB's "0xADDR:\t0xVALUE" memory-examine output,
// tolerating either a tab or spaces between address and value.
var gdbMemLine = regexp.MustCompile(`0x([0-9a-fA-F]+)\s*[:\t]\s*0x([0-9a-fA-F]+)`)

// gdbRegLine matches "info registers" output lines like "r0 0x0 0".
var gdbRegLine = regexp.MustCompile(`(?m)^(r\d+|sp|lr|pc|xpsr|msp|psp)\s+0x([0-9a-fA-F]+)`)

// ParseAndDecode interprets raw GDB output (the concatenation of the
// register-dump commands, "info registers", and "bt") into a Report.
func (d *CortexMDecoder) ParseAndDecode(gdbOutput string) Report {
	report := Report{
		Arch:           "ARM Cortex-M",
		FaultRegisters: make(map[string]uint32),
		CoreRegs:       make(map[string]uint32),
		RawGDBOutput:   gdbOutput,
	}

	values := parseMemoryDumps(gdbOutput)
	nameFor := map[uint32]string{
		addrCFSR:  "CFSR",
		addrHFSR:  "HFSR",
		addrMMFAR: "MMFAR",
		addrBFAR:  "BFAR",
		addrSFSR:  "SFSR",
		addrSFAR:  "SFAR",
	}
	// Match values to registers by the address GDB printed beside each
	// one, so a dump with fewer matches than expected registers still
	// assigns the right name to each value.
	for addr, name := range nameFor {
		if v, ok := values[addr]; ok {
			report.FaultRegisters[name] = v
		}
	}

	for _, m := range gdbRegLine.FindAllStringSubmatch(gdbOutput, -1) {
		v, err := strconv.ParseUint(m[2], 16, 32)
		if err == nil {
			report.CoreRegs[m[1]] = uint32(v)
		}
	}

	if bt := extractBacktrace(gdbOutput); bt != "" {
		report.Backtrace = bt
	}

	report.StackedPC = recoverStackedPC(report.CoreRegs, parseStackFrame(gdbOutput))

	cfsr, hasCFSR := report.FaultRegisters["CFSR"]
	if hasCFSR {
		report.Faults = append(report.Faults, decodeCFSR(cfsr)...)
	}
	if hfsr, ok := report.FaultRegisters["HFSR"]; ok {
		report.Faults = append(report.Faults, decodeHFSR(hfsr)...)
	}
	if sfsr, ok := report.FaultRegisters["SFSR"]; ok {
		report.Faults = append(report.Faults, decodeSFSR(sfsr)...)
	}

	report.Suggestions = suggest(report.Faults)
	return report
}

func parseMemoryDumps(gdbOutput string) map[uint32]uint32 {
	values := make(map[uint32]uint32)
	for _, m := range gdbMemLine.FindAllStringSubmatch(gdbOutput, -1) {
		addr, errAddr := strconv.ParseUint(m[1], 16, 32)
		v, err := strconv.ParseUint(m[2], 16, 32)
		if errAddr != nil || err != nil {
			continue
		}
		if _, seen := values[uint32(addr)]; !seen {
			values[uint32(addr)] = uint32(v)
		}
	}
	return values
}

// extractBacktrace returns everything after a line beginning with
// "#0" (GDB's backtrace frame marker), the conventional start of `bt`
// output.
func extractBacktrace(gdbOutput string) string {
	idx := strings.Index(gdbOutput, "#0 ")
	if idx < 0 {
		return ""
	}
	return strings.TrimSpace(gdbOutput[idx:])
}

// stackFrameLinePrefix strips a GDB memory-examine line's leading
// "0xADDR <symbol>:" (or "0xADDR:") so only the hex value tokens
// remain.
var stackFrameLinePrefix = regexp.MustCompile(`^\s*0x[0-9a-fA-F]+(?:\s*<[^>]*>)?:\s*`)

var hexWord = regexp.MustCompile(`0x([0-9a-fA-F]+)`)

// parseStackFrame extracts the 8 words dumped by "x/8xw $psp" (or
// $msp) after the stackFrameMarker, in address order:
// {r0,r1,r2,r3,r12,lr,pc,xpsr}.
func parseStackFrame(gdbOutput string) []uint32 {
	idx := strings.Index(gdbOutput, stackFrameMarker)
	if idx < 0 {
		return nil
	}
	block := gdbOutput[idx+len(stackFrameMarker):]

	var words []uint32
	for _, line := range strings.Split(block, "\n") {
		if len(words) >= 8 {
			break
		}
		if !strings.Contains(line, "0x") {
			continue
		}
		rest := stackFrameLinePrefix.ReplaceAllString(line, "")
		for _, m := range hexWord.FindAllStringSubmatch(rest, -1) {
			v, err := strconv.ParseUint(m[1], 16, 32)
			if err != nil {
				continue
			}
			words = append(words, uint32(v))
			if len(words) >= 8 {
				break
			}
		}
	}
	return words
}

// recoverStackedPC extracts the exception-frame PC from the
// auto-stacked ARM exception frame {r0,r1,r2,r3,r12,lr,pc,xpsr}: PC
// is the 7th word, byte offset +24 from the stack pointer at fault
// time. frame is the parsed "x/8xw $psp"/"$msp" dump; falls back to
// nil if the dump wasn't present in the GDB output (e.g. an older
// chip target that doesn't expose $psp).
func recoverStackedPC(coreRegs map[string]uint32, frame []uint32) *uint32 {
	const pcWordIndex = 6 // {r0,r1,r2,r3,r12,lr,pc,xpsr}
	if len(frame) > pcWordIndex {
		pc := frame[pcWordIndex]
		return &pc
	}
	if pc, ok := coreRegs["stacked_pc"]; ok {
		return &pc
	}
	return nil
}

// decodeCFSR decodes MemManage (bits 0-7), BusFault (bits 8-15), and
// UsageFault (bits 16-25) sub-kinds of the Configurable Fault Status
// Register.
func decodeCFSR(cfsr uint32) []string {
	var faults []string

	mmfsr := cfsr & 0xFF
	bfsr := (cfsr >> 8) & 0xFF
	ufsr := (cfsr >> 16) & 0x3FF

	mmBits := map[uint32]string{
		1 << 0: "MMFSR.IACCVIOL: instruction access violation",
		1 << 1: "MMFSR.DACCVIOL: data access violation",
		1 << 3: "MMFSR.MUNSTKERR: MemManage fault on exception unstacking",
		1 << 4: "MMFSR.MSTKERR: MemManage fault on exception stacking",
		1 << 5: "MMFSR.MLSPERR: MemManage fault during lazy FP state preservation",
		1 << 7: "MMFSR.MMARVALID: MMFAR holds a valid fault address",
	}
	for bit, desc := range mmBits {
		if mmfsr&bit != 0 {
			faults = append(faults, desc)
		}
	}

	bfBits := map[uint32]string{
		1 << 0: "BFSR.IBUSERR: instruction bus error",
		1 << 1: "BFSR.PRECISERR: precise data bus error",
		1 << 2: "BFSR.IMPRECISERR: imprecise data bus error",
		1 << 3: "BFSR.UNSTKERR: bus fault on exception unstacking",
		1 << 4: "BFSR.STKERR: bus fault on exception stacking",
		1 << 5: "BFSR.LSPERR: bus fault during lazy FP state preservation",
		1 << 7: "BFSR.BFARVALID: BFAR holds a valid fault address",
	}
	for bit, desc := range bfBits {
		if bfsr&bit != 0 {
			faults = append(faults, desc)
		}
	}

	ufBits := map[uint32]string{
		1 << 0: "UFSR.UNDEFINSTR: undefined instruction",
		1 << 1: "UFSR.INVSTATE: invalid EPSR/execution state",
		1 << 2: "UFSR.INVPC: invalid PC load by EXC_RETURN",
		1 << 3: "UFSR.NOCP: no coprocessor (FPU access when disabled)",
		1 << 8: "UFSR.UNALIGNED: unaligned memory access",
		1 << 9: "UFSR.DIVBYZERO: divide by zero",
	}
	for bit, desc := range ufBits {
		if ufsr&bit != 0 {
			faults = append(faults, desc)
		}
	}

	return faults
}

// decodeHFSR decodes the Hard Fault Status Register's three flags.
func decodeHFSR(hfsr uint32) []string {
	var faults []string
	if hfsr&(1<<1) != 0 {
		faults = append(faults, "HFSR.VECTTBL: bus fault reading the vector table")
	}
	if hfsr&(1<<30) != 0 {
		faults = append(faults, "HFSR.FORCED: a configurable fault escalated to hard fault")
	}
	if hfsr&(1<<31) != 0 {
		faults = append(faults, "HFSR.DEBUGEVT: debug event")
	}
	return faults
}

// decodeSFSR decodes the ARMv8-M Security Extension's Secure Fault
// Status Register, present only on devices with TrustZone-M (M23/M33/M55).
func decodeSFSR(sfsr uint32) []string {
	var faults []string
	bits := map[uint32]string{
		1 << 0: "SFSR.INVEP: invalid entry point for a non-secure function call",
		1 << 1: "SFSR.INVIS: invalid integrity signature on exception return",
		1 << 2: "SFSR.INVER: invalid exception return (domain/mode mismatch)",
		1 << 3: "SFSR.AUVIOL: attribution unit violation",
		1 << 4: "SFSR.INVTRAN: invalid transition (branch into/out of secure code)",
		1 << 5: "SFSR.LSPERR: lazy FP state preservation error",
		1 << 6: "SFSR.SFARVALID: SFAR holds a valid fault address",
		1 << 7: "SFSR.LSERR: lazy FP stacking error",
	}
	for bit, desc := range bits {
		if sfsr&bit != 0 {
			faults = append(faults, desc)
		}
	}
	return faults
}

// suggest maps diagnosed fault bit combinations to short,
// plain-English mitigations.
func suggest(faults []string) []string {
	var out []string
	joined := strings.Join(faults, "\n")

	if strings.Contains(joined, "DACCVIOL") || strings.Contains(joined, "IACCVIOL") {
		out = append(out, "Check MMFAR and the MPU region configuration for the faulting address.")
	}
	if strings.Contains(joined, "PRECISERR") {
		out = append(out, "Check BFAR for the faulting address; likely a bad pointer dereference.")
	}
	if strings.Contains(joined, "IMPRECISERR") {
		out = append(out, "Enable DISDEFWBUF/trap-on-bus-error or add memory barriers to make the fault precise.")
	}
	if strings.Contains(joined, "UNDEFINSTR") {
		out = append(out, "Verify the binary matches the target architecture/FPU configuration (no stale ELF).")
	}
	if strings.Contains(joined, "NOCP") {
		out = append(out, "Enable the FPU coprocessor access bits (CPACR) before using floating point.")
	}
	if strings.Contains(joined, "DIVBYZERO") {
		out = append(out, "Guard the division in application code; DIVBYZERO trapping is enabled.")
	}
	if strings.Contains(joined, "STKERR") || strings.Contains(joined, "UNSTKERR") {
		out = append(out, "Likely stack overflow during exception entry/exit; increase stack size.")
	}
	if strings.Contains(joined, "FORCED") {
		out = append(out, "A lower-priority fault escalated; check MMFSR/BFSR/UFSR for the underlying cause.")
	}
	if strings.Contains(joined, "VECTTBL") {
		out = append(out, "Vector table is corrupt or misplaced (VTOR); verify the linker script and VTOR setup.")
	}
	if len(out) == 0 && len(faults) > 0 {
		out = append(out, "Fault registers set but no known mitigation pattern matched; inspect registers manually.")
	}
	return out
}
