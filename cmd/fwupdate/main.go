// Command fwupdate is the CLI surface of the update subcommand (component
// K, spec.md §6). Built with github.com/spf13/cobra, the same CLI
// library the munifying and other retrieved firmware-tool repos bind
// their subcommands with.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"fwupdate"
	"fwupdate/archive"
	"fwupdate/programmer"
	"fwupdate/quirks"
	"fwupdate/sysprops"
)

var (
	flagImage     string
	flagECImage   string
	flagPDImage   string
	flagArchive   string
	flagQuirks    string
	flagMode      string
	flagTry       bool
	flagFactory   bool
	flagProgrammer string
	flagEmulate   string
	flagSysProps  string
	flagWP        int
	flagForce     bool
	flagManifest  bool
	flagVerbose   int
)

func main() {
	root := &cobra.Command{
		Use:          "fwupdate",
		Short:        "update AP firmware on a verified-boot device",
		SilenceUsage: true,
		RunE:         run,
	}

	root.Flags().StringVarP(&flagImage, "image", "i", "", `target image path, or "-" for stdin`)
	root.Flags().StringVarP(&flagECImage, "ec-image", "e", "", "EC image path")
	root.Flags().StringVarP(&flagPDImage, "pd-image", "P", "", "PD image path")
	root.Flags().StringVarP(&flagArchive, "archive", "a", "", "archive root directory or shellball")
	root.Flags().StringVar(&flagQuirks, "quirks", "", "comma/space separated quirk list")
	root.Flags().StringVar(&flagMode, "mode", "autoupdate", "autoupdate|recovery|legacy|factory|factory_install")
	root.Flags().BoolVarP(&flagTry, "try", "t", false, "try-RW update")
	root.Flags().BoolVar(&flagFactory, "factory", false, "factory mode")
	root.Flags().StringVar(&flagProgrammer, "programmer", "host", "programmer identifier")
	root.Flags().StringVar(&flagEmulate, "emulate", "", "emulation file path")
	root.Flags().StringVar(&flagSysProps, "sys_props", "", "comma/space separated system property overrides")
	root.Flags().IntVar(&flagWP, "wp", -1, "override both hw and sw write protect to 0 or 1")
	root.Flags().BoolVar(&flagForce, "force", false, "waive TPM anti-rollback check")
	root.Flags().BoolVar(&flagManifest, "manifest", false, "print the archive's model manifest as JSON and exit")
	root.Flags().CountVarP(&flagVerbose, "verbose", "v", "increase verbosity")

	if err := root.Execute(); err != nil {
		os.Exit(exitCodeFor(err))
	}
}

func run(cmd *cobra.Command, args []string) error {
	if flagManifest {
		return runManifest()
	}

	var arc *archive.Archive
	if flagArchive != "" {
		a, err := archive.Open(flagArchive)
		if err != nil {
			return err
		}
		arc = a
	}

	cfg := buildConfig()
	defer cfg.Close()

	target, err := loadTargetImage(cfg, arc)
	if err != nil {
		return err
	}
	cfg.Target = target

	if flagECImage != "" {
		ec, err := loadNamedImage(flagECImage, arc)
		if err != nil {
			return fmt.Errorf("load EC image: %w", err)
		}
		cfg.EC = ec
	}
	if flagPDImage != "" {
		pd, err := loadNamedImage(flagPDImage, arc)
		if err != nil {
			return fmt.Errorf("load PD image: %w", err)
		}
		cfg.PD = pd
	}

	if err := quirks.Parse(cfg.Quirks, flagQuirks); err != nil {
		return err
	}
	if flagSysProps != "" {
		if err := sysprops.ParseOverrides(cfg.Props, flagSysProps); err != nil {
			return err
		}
	}
	if flagWP == 0 || flagWP == 1 {
		cfg.Props.Override(sysprops.WpHW, flagWP)
		cfg.Props.Override(sysprops.WpSW, flagWP)
	}

	applyMode(cfg)

	if flagVerbose > 0 {
		logImageSizes(cfg)
	}

	if err := fwupdate.Update(cfg); err != nil {
		return err
	}
	fmt.Println("fwupdate: update completed")
	return nil
}

func applyMode(cfg *fwupdate.Config) {
	switch flagMode {
	case "legacy":
		cfg.LegacyUpdate = true
	case "factory", "factory_install":
		cfg.Mode = fwupdate.ModeFactory
	case "recovery":
		cfg.Mode = fwupdate.ModeRecovery
	default:
		cfg.Mode = fwupdate.ModeAutoUpdate
	}
	if flagFactory {
		cfg.Mode = fwupdate.ModeFactory
	}
	cfg.TryUpdate = flagTry
	cfg.ForceUpdate = flagForce
	cfg.Verbosity = flagVerbose
}

func buildConfig() *fwupdate.Config {
	facade := &programmer.Facade{
		Emulate: flagEmulate,
		Shell:   shellOut,
	}

	getters := [6]sysprops.Getter{
		sysprops.MainfwAct:   getMainfwAct,
		sysprops.TpmFwver:    getTpmFwver,
		sysprops.FwVboot2:    getFwVboot2,
		sysprops.PlatformVer: getPlatformVer,
		sysprops.WpHW:        func() (int, error) { return getWP(facade, flagProgrammer) },
		sysprops.WpSW:        func() (int, error) { return getWP(facade, flagProgrammer) },
	}

	return fwupdate.NewConfig(facade, flagProgrammer, getters)
}

func loadTargetImage(cfg *fwupdate.Config, arc *archive.Archive) (*fwupdate.Image, error) {
	if flagImage == "-" {
		path, err := programmer.DrainStdin("")
		if err != nil {
			return nil, err
		}
		cfg.TempFiles = append(cfg.TempFiles, path)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		return fwupdate.LoadImage(data, flagProgrammer, path)
	}
	if flagImage == "" {
		return nil, nil
	}
	return loadNamedImage(flagImage, arc)
}

func loadNamedImage(path string, arc *archive.Archive) (*fwupdate.Image, error) {
	var data []byte
	var err error
	if arc != nil {
		data, err = arc.Resolve(archive.Model{Image: path}, archive.AP)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}
	return fwupdate.LoadImage(data, flagProgrammer, path)
}

func runManifest() error {
	if flagArchive == "" {
		return fmt.Errorf("--manifest requires -a")
	}
	arc, err := archive.Open(flagArchive)
	if err != nil {
		return err
	}
	models, err := arc.Manifest()
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(models)
}

// shellOut runs an external programmer command with its arguments passed
// as a literal argv slice, never string-interpolated (spec.md §9).
func shellOut(programmerID string, args ...string) (string, error) {
	cmdArgs := append([]string{"-p", programmerID}, args...)
	out, err := exec.Command("flashrom", cmdArgs...).CombinedOutput()
	return string(out), err
}

func getWP(facade *programmer.Facade, programmerID string) (int, error) {
	line, err := facade.WriteProtectStatus(programmerID)
	if err != nil {
		return 0, err
	}
	enabled, err := sysprops.ParseWriteProtect(line)
	if err != nil {
		return 0, err
	}
	if enabled {
		return 1, nil
	}
	return 0, nil
}

func getMainfwAct() (int, error) {
	out, err := exec.Command("crossystem", "mainfw_act").Output()
	if err != nil {
		return int(sysprops.SlotUnknown), err
	}
	switch string(out) {
	case "A":
		return int(sysprops.SlotA), nil
	case "B":
		return int(sysprops.SlotB), nil
	default:
		return int(sysprops.SlotUnknown), nil
	}
}

func getTpmFwver() (int, error) {
	out, err := exec.Command("crossystem", "tpm_fwver").Output()
	if err != nil {
		return 0, err
	}
	var v int
	if _, err := fmt.Sscanf(string(out), "%d", &v); err != nil {
		return 0, err
	}
	return v, nil
}

func getFwVboot2() (int, error) {
	out, err := exec.Command("crossystem", "fw_vboot2").Output()
	if err != nil {
		return 0, err
	}
	var v int
	fmt.Sscanf(string(out), "%d", &v)
	return v, nil
}

func getPlatformVer() (int, error) {
	out, err := exec.Command("mosys", "platform", "version").Output()
	if err != nil {
		return -1, nil
	}
	return sysprops.ParsePlatformVersion(string(out)), nil
}

// logImageSizes prints each loaded image's size in human-readable form,
// the same humanize.Bytes rendering the teacher's cpio listing used for
// archive entries.
func logImageSizes(cfg *fwupdate.Config) {
	if cfg.Target != nil {
		fmt.Printf("fwupdate: target image: %s\n", humanize.Bytes(uint64(len(cfg.Target.Bytes))))
	}
	if cfg.EC != nil {
		fmt.Printf("fwupdate: EC image: %s\n", humanize.Bytes(uint64(len(cfg.EC.Bytes))))
	}
	if cfg.PD != nil {
		fmt.Printf("fwupdate: PD image: %s\n", humanize.Bytes(uint64(len(cfg.PD.Bytes))))
	}
}

func exitCodeFor(err error) int {
	fe, ok := err.(*fwupdate.Error)
	if !ok {
		return 1
	}
	if fe.Code == fwupdate.Done {
		return 0
	}
	return int(fe.Code)
}
