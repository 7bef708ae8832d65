package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/logging"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/bigbag/turmass-flasher/embedded"
	"github.com/bigbag/turmass-flasher/internal/detect"
	"github.com/bigbag/turmass-flasher/internal/device"
	"github.com/bigbag/turmass-flasher/internal/firmware"
	"github.com/bigbag/turmass-flasher/internal/hexfile"
	"github.com/bigbag/turmass-flasher/internal/host"
	"github.com/bigbag/turmass-flasher/internal/message"
	"github.com/bigbag/turmass-flasher/internal/sniffer"
	"github.com/bigbag/turmass-flasher/internal/transport"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	portFlag  string
	baudFlag  int
	debugFlag bool

	// host flags
	chunkFlag      int
	timeoutFlag    time.Duration
	retriesFlag    int
	restartsFlag   int
	patchFlag      string
	noPatchFlag    bool
	noVerifyFlag   bool
	noTailFlag     bool
	targetBaudFlag int

	// device flags
	flashSizeFlag     uint32
	chipTypeFlag      uint32
	eraseLatencyFlag  time.Duration
	muteFlag          bool
	failVerifyFlag    int
	failEraseFlag     int
	wrongOffsetAtFlag int
	dropAckAtFlag     int

	// list flags
	probeFlag bool

	// convert flags
	formatFlag string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "turmass-flasher",
		Short: "Flash firmware to TaoLink TurMass devices",
		Long: `TurMass Flasher programs firmware onto TaoLink TurMass-family
microcontrollers over a serial link using the burn protocol, and can also
simulate a device or passively sniff the conversation on a tap.

The RAM bootstrap patch is embedded in this tool. You only need to
provide the firmware hex file (Intel-HEX or TaoLink base16).`,
	}
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "Verbose protocol logging")

	hostCmd := &cobra.Command{
		Use:   "host <firmware.hex>",
		Short: "Flash firmware to a device",
		Long: `Connect to a beaconing device and drive a full burn:
negotiate, erase, transfer, verify, boot.`,
		Args: cobra.ExactArgs(1),
		RunE: runHost,
	}
	hostCmd.Flags().StringVarP(&portFlag, "port", "p", "", "Serial port (auto-detect if not specified)")
	hostCmd.Flags().IntVarP(&baudFlag, "baud", "b", transport.DefaultBaudRate, "Initial baud rate")
	hostCmd.Flags().IntVar(&chunkFlag, "chunk", firmware.DefaultChunkSize, "Transfer chunk size hint")
	hostCmd.Flags().DurationVar(&timeoutFlag, "timeout", 500*time.Millisecond, "Per-step response timeout")
	hostCmd.Flags().IntVar(&retriesFlag, "retries", 2, "Retries per step")
	hostCmd.Flags().IntVar(&restartsFlag, "restarts", 1, "Full restarts after a failed verify")
	hostCmd.Flags().StringVar(&patchFlag, "patch", "", "RAM bootstrap patch file (embedded if not specified)")
	hostCmd.Flags().BoolVar(&noPatchFlag, "no-patch", false, "Skip the RAM patch upload")
	hostCmd.Flags().BoolVar(&noVerifyFlag, "no-verify", false, "Skip CRC verification")
	hostCmd.Flags().BoolVar(&noTailFlag, "no-option-page", false, "Skip writing the option page tail")
	hostCmd.Flags().IntVar(&targetBaudFlag, "target-baud", 921600, "Baud rate for the transfer phase (0 keeps the initial rate)")

	deviceCmd := &cobra.Command{
		Use:   "device",
		Short: "Simulate a device in bootloader mode",
		Long: `Beacon on a serial port and answer a host like a real chip would.
Fault flags inject failures for exercising host retry logic.`,
		RunE: runDevice,
	}
	deviceCmd.Flags().StringVarP(&portFlag, "port", "p", "", "Serial port (required)")
	deviceCmd.Flags().IntVarP(&baudFlag, "baud", "b", transport.DefaultBaudRate, "Baud rate")
	deviceCmd.Flags().Uint32Var(&flashSizeFlag, "flash-size", firmware.MaxImageSize, "Advertised flashable size")
	deviceCmd.Flags().Uint32Var(&chipTypeFlag, "chip-type", device.DefaultChipType, "Advertised chip type word")
	deviceCmd.Flags().DurationVar(&eraseLatencyFlag, "erase-latency", 20*time.Millisecond, "Simulated erase latency")
	deviceCmd.Flags().BoolVar(&muteFlag, "mute", false, "Answer the handshake but drop every frame")
	deviceCmd.Flags().IntVar(&failVerifyFlag, "fail-verify", 0, "Answer the first N CRC checks with a wrong CRC")
	deviceCmd.Flags().IntVar(&failEraseFlag, "fail-erase", 0, "Fail the first N erase requests")
	deviceCmd.Flags().IntVar(&wrongOffsetAtFlag, "wrong-offset-at", 0, "Ack chunk N with a wrong offset")
	deviceCmd.Flags().IntVar(&dropAckAtFlag, "drop-ack-at", 0, "Drop the ack for chunk N")
	deviceCmd.MarkFlagRequired("port")

	sniffCmd := &cobra.Command{
		Use:   "sniff",
		Short: "Passively decode burn traffic on a tap",
		Long: `Read a serial port without ever writing to it and print each decoded
message. Undecodable stretches are printed inline as raw bytes.`,
		RunE: runSniff,
	}
	sniffCmd.Flags().StringVarP(&portFlag, "port", "p", "", "Serial port (auto-detect if not specified)")
	sniffCmd.Flags().IntVarP(&baudFlag, "baud", "b", transport.DefaultBaudRate, "Baud rate")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List available serial ports",
		RunE:  runList,
	}
	listCmd.Flags().BoolVar(&probeFlag, "probe", false, "Listen on each port for a device beacon")
	listCmd.Flags().IntVarP(&baudFlag, "baud", "b", transport.DefaultBaudRate, "Baud rate for probing")

	convertCmd := &cobra.Command{
		Use:   "convert <in> <out>",
		Short: "Convert firmware dumps to raw binary",
		Args:  cobra.ExactArgs(2),
		RunE:  runConvert,
	}
	convertCmd.Flags().StringVar(&formatFlag, "format", "base16", "Input format: base16 or carr")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("turmass-flasher %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	}

	rootCmd.AddCommand(hostCmd, deviceCmd, sniffCmd, listCmd, convertCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loggerFactory() *logging.DefaultLoggerFactory {
	f := logging.NewDefaultLoggerFactory()
	if debugFlag {
		f.DefaultLogLevel = logging.LogLevelDebug
	} else {
		f.DefaultLogLevel = logging.LogLevelWarn
	}
	return f
}

// signalContext cancels on Ctrl-C so a running session aborts at its
// next suspension point.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func resolvePort() (string, error) {
	if portFlag != "" {
		return portFlag, nil
	}
	fmt.Println("Detecting device...")
	result, err := detect.Device(baudFlag)
	if err != nil {
		return "", fmt.Errorf("device detection failed: %w", err)
	}
	fmt.Printf("Found beacon on %s\n", result.Port)
	return result.Port, nil
}

func runHost(cmd *cobra.Command, args []string) error {
	im, err := hexfile.Load(args[0])
	if err != nil {
		return fmt.Errorf("failed to load firmware: %w", err)
	}
	fmt.Printf("Firmware: %s (%d bytes at 0x%08X, crc 0x%08X)\n",
		args[0], im.Size(), im.Start, im.CRC32())

	patch := embedded.Patch()
	if patchFlag != "" {
		patch, err = os.ReadFile(patchFlag)
		if err != nil {
			return fmt.Errorf("failed to read patch file: %w", err)
		}
	}
	if noPatchFlag {
		patch = nil
	}

	portName, err := resolvePort()
	if err != nil {
		return err
	}
	port, err := transport.OpenSerial(portName, baudFlag)
	if err != nil {
		return err
	}
	defer port.Close()
	fmt.Printf("Port: %s @ %d baud\n", portName, baudFlag)

	bar := progressbar.NewOptions(im.Size(),
		progressbar.OptionSetDescription("Flashing"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)

	ctx, cancel := signalContext()
	defer cancel()

	fmt.Println("Waiting for device beacon...")
	res := host.Run(ctx, port, im, host.Config{
		ChunkSize:         chunkFlag,
		PerStepTimeout:    timeoutFlag,
		MaxRetriesPerStep: retriesFlag,
		MaxFullRestarts:   restartsFlag,
		Patch:             patch,
		TargetBaud:        targetBaudFlag,
		OptionPage:        !noTailFlag,
		SkipVerify:        noVerifyFlag,
		Progress: func(sent, total int) {
			bar.ChangeMax(total)
			bar.Set(sent)
		},
		LoggerFactory: loggerFactory(),
	})
	bar.Finish()

	fmt.Printf("\nResult: %s (%s) after %s\n", res.Outcome, res.Reason, res.Elapsed.Round(time.Millisecond))
	if res.Restarts > 0 {
		fmt.Printf("Full restarts: %d\n", res.Restarts)
	}
	if res.Err != nil {
		return fmt.Errorf("final state %s: %w", res.State, res.Err)
	}
	fmt.Println("Done!")
	return nil
}

func runDevice(cmd *cobra.Command, args []string) error {
	port, err := transport.OpenSerial(portFlag, baudFlag)
	if err != nil {
		return err
	}
	defer port.Close()

	dev := device.New(device.Config{
		ChipType:     chipTypeFlag,
		FlashSize:    flashSizeFlag,
		EraseLatency: eraseLatencyFlag,
		Faults: device.FaultPlan{
			Mute:               muteFlag,
			FailVerifyCount:    failVerifyFlag,
			FailEraseCount:     failEraseFlag,
			WrongOffsetAtChunk: wrongOffsetAtFlag,
			DropAckAtChunk:     dropAckAtFlag,
		},
		LoggerFactory: loggerFactory(),
	})

	ctx, cancel := signalContext()
	defer cancel()

	fmt.Printf("Simulating device on %s @ %d baud (Ctrl-C to stop)\n", portFlag, baudFlag)
	if err := dev.Run(ctx, port); err != nil && ctx.Err() == nil {
		return err
	}
	fmt.Printf("Device finished in state %s\n", dev.State())
	return nil
}

func runSniff(cmd *cobra.Command, args []string) error {
	portName, err := resolvePort()
	if err != nil {
		return err
	}
	port, err := transport.OpenSerial(portName, baudFlag)
	if err != nil {
		return err
	}
	defer port.Close()

	ctx, cancel := signalContext()
	defer cancel()

	fmt.Printf("Sniffing %s @ %d baud (Ctrl-C to stop)\n", portName, baudFlag)
	sn := sniffer.New(sniffer.Config{LoggerFactory: loggerFactory()})
	for ev := range sn.Observe(ctx, port) {
		printEvent(ev)
	}
	return nil
}

func printEvent(ev sniffer.Event) {
	stamp := ev.Time.Format("15:04:05.000")
	switch {
	case ev.Msg != nil:
		f := ev.Msg.Frame()
		fmt.Printf("%s %8d %-9s %-20s addr=0x%08X len=%d\n",
			stamp, ev.Offset, ev.Dir, message.OpName(ev.Msg.Op()), f.Address, len(f.Data))
		if len(f.Data) > 0 && len(f.Data) <= 32 {
			fmt.Printf("%s          data: %s\n", stamp, hex.EncodeToString(f.Data))
		}
	case ev.Err != nil:
		fmt.Printf("%s %8d %-9s undecoded frame (%v): %s\n",
			stamp, ev.Offset, ev.Dir, ev.Err, hex.EncodeToString(ev.Raw))
	default:
		fmt.Printf("%s %8d raw       %s\n", stamp, ev.Offset, previewRaw(ev.Raw))
	}
}

// previewRaw shows handshake text readably and everything else as hex.
func previewRaw(raw []byte) string {
	printable := true
	for _, b := range raw {
		if b < 0x20 || b > 0x7E {
			printable = false
			break
		}
	}
	if printable {
		return fmt.Sprintf("%q", raw)
	}
	if len(raw) > 48 {
		return fmt.Sprintf("%s... (%d bytes)", hex.EncodeToString(raw[:48]), len(raw))
	}
	return hex.EncodeToString(raw)
}

func runList(cmd *cobra.Command, args []string) error {
	ports, err := transport.ListPorts()
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		fmt.Println("No serial ports found")
		return nil
	}

	beaconing := map[string]bool{}
	if probeFlag {
		found, err := detect.ListDevices(baudFlag)
		if err != nil {
			return err
		}
		for _, r := range found {
			beaconing[r.Port] = true
		}
	}

	fmt.Println("Available serial ports:")
	for _, p := range ports {
		if beaconing[p] {
			fmt.Printf("  %s  (TurMass beacon)\n", p)
		} else {
			fmt.Printf("  %s\n", p)
		}
	}
	return nil
}

func runConvert(cmd *cobra.Command, args []string) error {
	in, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(args[1])
	if err != nil {
		return err
	}
	defer out.Close()

	switch formatFlag {
	case "base16":
		err = hexfile.ConvertBase16(in, out)
	case "carr":
		err = hexfile.ConvertCArray(in, out)
	default:
		return fmt.Errorf("unknown format %q", formatFlag)
	}
	if err != nil {
		return err
	}
	return out.Sync()
}
