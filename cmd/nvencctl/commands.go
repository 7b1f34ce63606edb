package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/thesyncim/nvenc"
)

var probeFormat string

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the tool, header and runtime API versions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "nvencctl v%s\n", version)
		fmt.Fprintf(out, "Header API: %s\n", nvenc.BuildAPIVersion)
		fmt.Fprintf(out, "Runtime API: %s\n", runtimeVersion())
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show where the NVENC runtime is looked up",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		app.probe.ApplyRuntimeOverrides()
		st := app.probe.LogRuntimeStatus()
		fmt.Fprintln(cmd.OutOrStdout(), st.String())
		return nil
	},
}

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Probe the NVENC hardware and report per-feature results",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return writeProbe(cmd.OutOrStdout(), app.probe.Result(), probeFormat)
	},
}

var capsCmd = &cobra.Command{
	Use:   "caps",
	Short: "Print the cached per-codec encoder capabilities",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		app.probe.ApplyRuntimeOverrides()
		caps := app.probe.Capabilities()
		for _, codec := range []nvenc.Codec{nvenc.CodecH264, nvenc.CodecHEVC} {
			c, ok := caps.Query(codec)
			if !ok {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: unsupported\n", codec)
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", codec, c.DebugString())
		}
		return nil
	},
}

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Print the effective encoder settings and derived session parameters",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(app.cfg); err != nil {
			return err
		}
		if err := enc.Close(); err != nil {
			return err
		}
		fmt.Fprintf(out, "# parameters: %s\n", app.cfg.Encoder.Parameters().DebugString())
		return nil
	},
}

func init() {
	probeCmd.Flags().StringVar(&probeFormat, "format", "text", "output format: text or yaml")
}

func runtimeVersion() string {
	app.probe.ApplyRuntimeOverrides()
	loader := app.probe.Loader()
	if err := loader.Load(); err != nil {
		return "unavailable (" + err.Error() + ")"
	}
	lib := loader.Library()
	if lib == nil || lib.GetMaxSupportedVersion == nil {
		return "unknown"
	}
	raw, st := lib.GetMaxSupportedVersion()
	if !st.OK() {
		return "unknown (" + st.String() + ")"
	}
	return nvenc.DecodeRuntimeVersion(raw).String()
}

func writeProbe(w io.Writer, r nvenc.ProbeResult, format string) error {
	switch format {
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(r); err != nil {
			return err
		}
		return enc.Close()
	case "text", "":
	default:
		return fmt.Errorf("unknown format %q", format)
	}

	line := func(name string, ok bool, reason string) {
		if ok {
			fmt.Fprintf(w, "%-10s yes\n", name)
			return
		}
		if reason == "" {
			reason = "not supported"
		}
		fmt.Fprintf(w, "%-10s no (%s)\n", name, reason)
	}
	if r.DriverVersion != "" {
		fmt.Fprintf(w, "%-10s %s\n", "Driver", r.DriverVersion)
	}
	if r.AdapterName != "" {
		fmt.Fprintf(w, "%-10s %s\n", "Adapter", r.AdapterName)
	}
	line("Runtime", r.DLLPresent, r.DLLFailureReason)
	line("APIs", r.APIsReady, r.APIFailureReason)
	line("Session", r.SessionOpenable, r.SessionFailureReason)
	line("H.264", r.SupportsH264, r.CodecFailureReason)
	line("HEVC", r.SupportsHEVC, r.CodecFailureReason)
	line("NV12", r.SupportsNV12, r.NV12FailureReason)
	line("P010", r.SupportsP010, r.P010FailureReason)
	line("BGRA", r.SupportsBGRA, r.BGRAFailureReason)
	line("10-bit", r.Supports10Bit, r.P010FailureReason)
	if !r.HardwareAvailable() && r.HardwareFailureReason != "" {
		fmt.Fprintf(w, "%-10s %s\n", "Hardware", r.HardwareFailureReason)
	}
	return nil
}
