// Frontline Perception System
// Copyright (C) 2020-2025 TurbineOne LLC
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"

	"github.com/TurbineOne/codec-session/pkg/codec"
	"github.com/TurbineOne/codec-session/pkg/config"
	"github.com/TurbineOne/codec-session/pkg/ffcodec"
	"github.com/TurbineOne/codec-session/pkg/logger"
)

const configFileName = "config.yaml"

//nolint:gochecknoglobals // Needed for makefile injection.
var (
	// Version is provided by the makefile.
	Version = "v0"
	// Revision is a git tag provided by the makefile.
	Revision = "0"
	// Created is a date provided by the makefile.
	Created = "0000-00-00"
)

// codecdConfig configures the driver itself, as opposed to the packages it
// composes.
type codecdConfig struct { //nolint:govet // Don't care about alignment.
	Input            string `yaml:"input" json:"input" doc:"Elementary-stream input file"`
	OutputDir        string `yaml:"outputDir" json:"outputDir" doc:"Directory for decoded raw frames"`
	MimeType         string `yaml:"mimeType" json:"mimeType" doc:"MIME type of the input, e.g. video/h264"`
	InputChunkBytes  int    `yaml:"inputChunkBytes" json:"inputChunkBytes" doc:"Bytes of input fed per packet"`
	InputBufferCount int    `yaml:"inputBufferCount" json:"inputBufferCount" doc:"Input buffers in rotation"`
}

func codecdConfigDefault() codecdConfig {
	return codecdConfig{
		Input:            "",
		OutputDir:        ".",
		MimeType:         "video/h264",
		InputChunkBytes:  64 * 1024,
		InputBufferCount: 4,
	}
}

// mainConfig is the master config for the executable.
type mainConfig struct { //nolint:govet // Don't care about alignment.
	Codecd  codecdConfig   `yaml:"codecd"`
	Codec   codec.Config   `yaml:"codec"`
	Ffcodec ffcodec.Config `yaml:"ffcodec"`
	Logger  logger.Config  `yaml:"logger"`
}

var currentConfig = mainConfig{ //nolint:gochecknoglobals  // Static config
	Codecd:  codecdConfigDefault(),
	Codec:   codec.ConfigDefault(),
	Ffcodec: ffcodec.ConfigDefault(),
	Logger:  logger.ConfigDefault(),
}

// initConfig initializes the config from the config file, the environment,
// and the command line, in ascending priority. May exit the program if
// there is an error.
func initConfig() {
	flags := pflag.NewFlagSet(os.Args[0], pflag.ExitOnError)
	configPath := flags.StringP("config", "c", configFileName, "config file path")
	input := flags.StringP("input", "i", "", "elementary-stream input file")
	outputDir := flags.StringP("output-dir", "o", "", "directory for decoded raw frames")
	mimeType := flags.StringP("mime", "m", "", "MIME type of the input")
	_ = flags.Parse(os.Args[1:])

	err := config.Init(*configPath, "CODECD_", &currentConfig)
	if err != nil {
		// A missing config file is not fatal. Anything else is.
		ncError := &config.NoConfigError{}
		if !errors.As(err, &ncError) {
			fmt.Println(err.Error()) //nolint:forbidigo // OK to print here.
			os.Exit(-1)
		}
	}

	if *input != "" {
		currentConfig.Codecd.Input = *input
	}

	if *outputDir != "" {
		currentConfig.Codecd.OutputDir = *outputDir
	}

	if *mimeType != "" {
		currentConfig.Codecd.MimeType = *mimeType
	}

	log = logger.New(&currentConfig.Logger)

	binName := filepath.Base(os.Args[0])
	log.Info().Msg(fmt.Sprintf("%s %s rev:%s created:%s", binName, Version, Revision, Created))
	log.Info().Interface("config", &currentConfig).Msg("effective config")

	// If there was no config file, we log it here.
	if err != nil {
		log.Info().Msg(err.Error())
	}
}
