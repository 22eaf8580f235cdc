package deployer

// RegisterAll registers the whole build, from base image acquisition to the remastered image.
// Each op depends on the previous one so the build is strictly sequential.
func RegisterAll(d *Deployer) error {
	for _, step := range []func() error{
		d.StepPrepareDirs,
		d.StepAcquireImage,
		d.StepExtractImage,
		d.StepFetchFirmware,
		d.StepIntegrateFirmware,
		d.StepBuildMicrocode,
		d.StepStageHelper,
		d.StepValidateBoot,
		d.StepRemasterImage,
	} {
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}
