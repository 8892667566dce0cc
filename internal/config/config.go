// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package config is a singleton and provides global access to the
// configuration values.
package config

import (
	"errors"
	"io/fs"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

const (
	// Default config path. It does not need to exist, default values for all parameters will be
	// used instead.
	DefaultConfig = "/etc/ssdsim/config.toml"

	// Optional file with environment variables, loaded before the
	// configuration is parsed. Variables already set in the environment win.
	DotEnv = ".env"

	mb = 1024 * 1024
)

var Cfg Config

// Configuration structure for the program. We use toml format for file-based
// configuration and also all configuration options can be overriden by
// environment variable specified in this structure.
type Config struct {
	ConfigPath string

	Geometry struct {
		Channels          uint32 `toml:"channels" env:"SSDSIM_GEOMETRY_CHANNELS" env-default:"4" env-description:"Number of channels."`
		DevicesPerChannel uint32 `toml:"devices_per_channel" env:"SSDSIM_GEOMETRY_DEVICES" env-default:"2" env-description:"Flash devices on every channel."`
		BlocksPerDevice   uint32 `toml:"blocks_per_device" env:"SSDSIM_GEOMETRY_BLOCKS" env-default:"128" env-description:"Erase blocks in every device."`
		PagesPerBlock     uint32 `toml:"pages_per_block" env:"SSDSIM_GEOMETRY_PAGES" env-default:"256" env-description:"Pages in every block."`
		BytesPerPage      uint32 `toml:"bytes_per_page" env:"SSDSIM_GEOMETRY_PAGESIZE" env-default:"8192" env-description:"Page size in bytes. Multiple of 512."`
	} `toml:"geometry"`

	Server struct {
		Name       string `toml:"name" env:"SSDSIM_SERVER_NAME" env-default:"ssdsim" env-description:"Endpoint name clients connect to. Empty for generated one."`
		QueueDepth int    `toml:"queue_depth" env:"SSDSIM_SERVER_QUEUEDEPTH" env-default:"128" env-description:"Request queue depth of the endpoint."`
		Workers    int    `toml:"workers" env:"SSDSIM_SERVER_WORKERS" env-default:"0" env-description:"Commands executed concurrently. 0 means one per CPU."`
	} `toml:"server"`

	Store struct {
		Backend string `toml:"backend" env:"SSDSIM_STORE_BACKEND" env-default:"memory" env-description:"Page store: memory, null or s3."`
		Format  bool   `toml:"format" env:"SSDSIM_STORE_FORMAT" env-default:"false" env-description:"Erase all pages of a persistent store on start."`
	} `toml:"store"`

	S3 struct {
		Bucket      string `toml:"bucket" env:"SSDSIM_S3_BUCKET" env-description:"S3 Bucket name." env-default:"ssdsim"`
		Remote      string `toml:"remote" env:"SSDSIM_S3_REMOTE" env-description:"S3 Remote address. Empty string for AWS S3 endpoint." env-default:""`
		Region      string `toml:"region" env:"SSDSIM_S3_REGION" env-description:"S3 Region." env-default:"us-east-1"`
		AccessKey   string `toml:"access_key" env:"SSDSIM_S3_ACCESSKEY" env-description:"S3 Access Key." env-default:""`
		SecretKey   string `toml:"secret_key" env:"SSDSIM_S3_SECRETKEY" env-description:"S3 Secret Key." env-default:""`
		Prefix      string `toml:"prefix" env:"SSDSIM_S3_PREFIX" env-description:"Prefix of all page objects." env-default:""`
		Uploaders   int    `toml:"uploaders" env:"SSDSIM_S3_UPLOADERS" env-description:"S3 Max number of uploader threads." env-default:"16"`
		Downloaders int    `toml:"downloaders" env:"SSDSIM_S3_DOWNLOADERS" env-description:"S3 Max number of downloader threads." env-default:"16"`
	} `toml:"s3"`

	Session struct {
		PoolSize    int64 `toml:"pool_size" env:"SSDSIM_SESSION_POOLSIZE" env-default:"32" env-description:"Payload memory of one session in MB."`
		MaxTransfer int   `toml:"max_transfer" env:"SSDSIM_SESSION_MAXTRANSFER" env-default:"4" env-description:"Largest payload of one message in MB."`
	} `toml:"session"`

	Trace struct {
		Enabled   bool   `toml:"enabled" env:"SSDSIM_TRACE" env-default:"false" env-description:"Record every completed command into SQLite database."`
		Path      string `toml:"path" env:"SSDSIM_TRACE_PATH" env-default:"" env-description:"Trace database path. Empty for generated name."`
		BatchSize int    `toml:"batch_size" env:"SSDSIM_TRACE_BATCHSIZE" env-default:"4096" env-description:"Commands written to the database in one transaction."`
	} `toml:"trace"`

	Monitor struct {
		Enabled bool   `toml:"enabled" env:"SSDSIM_MONITOR" env-default:"false" env-description:"Serve HTTP status API."`
		Address string `toml:"address" env:"SSDSIM_MONITOR_ADDRESS" env-default:"localhost:8080" env-description:"Address of the status API."`
	} `toml:"monitor"`

	Buse struct {
		Enabled    bool `toml:"enabled" env:"SSDSIM_BUSE" env-default:"false" env-description:"Expose the simulated device as /dev/buse%d."`
		Major      int  `toml:"major" env:"SSDSIM_BUSE_MAJOR" env-default:"0" env-description:"Device major. Decimal part of /dev/buse%d."`
		Threads    int  `toml:"threads" env:"SSDSIM_BUSE_THREADS" env-default:"0" env-description:"Number of user-space threads for serving queues."`
		BlockSize  int  `toml:"block_size" env:"SSDSIM_BUSE_BLOCKSIZE" env-default:"4096" env-description:"Block size."`
		Scheduler  bool `toml:"scheduler" env:"SSDSIM_BUSE_SCHEDULER" env-default:"false" env-description:"Use block layer scheduler."`
		QueueDepth int  `toml:"queue_depth" env:"SSDSIM_BUSE_QUEUEDEPTH" env-default:"128" env-description:"Device IO queue depth."`
		Durable    bool `toml:"durable" env:"SSDSIM_BUSE_DURABLE" env-description:"Flush semantics. True means durable, false means barrier only." env-default:"false"`

		WriteBufSize   int `toml:"write_shared_buffer_size" env:"SSDSIM_BUSE_WRITE_BUFSIZE" env-description:"Write shared memory size in MB." env-default:"32"`
		WriteChunkSize int `toml:"write_chunk_size" env:"SSDSIM_BUSE_WRITE_CHUNKSIZE" env-description:"Chunk size in MB." env-default:"4"`
		CollisionSize  int `toml:"collision_chunk_size" env:"SSDSIM_BUSE_COLSIZE" env-description:"Collision size in MB." env-default:"1"`
		ReadBufSize    int `toml:"read_shared_buffer_size" env:"SSDSIM_BUSE_READ_BUFSIZE" env-description:"Read shared memory size in MB." env-default:"32"`
	} `toml:"buse"`

	Log struct {
		Level  int  `toml:"level" env:"SSDSIM_LOG_LEVEL" env-description:"Log level." env-default:"-1"`
		Pretty bool `toml:"pretty" env:"SSDSIM_LOG_PRETTY" env-description:"Pretty logging." env-default:"true"`
	} `toml:"log"`

	Profiler     bool `toml:"profiler" env:"SSDSIM_PROFILER" env-description:"Enable golang web profiler." env-default:"false"`
	ProfilerPort int  `toml:"profiler_port" env:"SSDSIM_PROFILER_PORT" env-description:"Port to listen on." env-default:"6060"`
}

// Configure loads the configuration from path into Cfg. The configuration
// file has the lower priotiry and the environment variables have the highest
// priority. It is perfetcly to fine to use just one of these or to combine
// them.
func Configure(path string) error {
	c, err := Load(path)
	if err != nil {
		return err
	}

	Cfg = *c

	return nil
}

// Load parses the configuration file and reads the environment variables.
// After that it does some values postprocessing.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(DotEnv); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	c := &Config{ConfigPath: path}

	if err := cleanenv.ReadConfig(path, c); err != nil {
		if err := cleanenv.ReadEnv(c); err != nil {
			return nil, err
		}
	}

	c.Session.PoolSize *= mb
	c.Session.MaxTransfer *= mb
	c.Buse.WriteBufSize *= mb
	c.Buse.WriteChunkSize *= mb
	c.Buse.CollisionSize *= mb
	c.Buse.ReadBufSize *= mb

	if c.Buse.BlockSize != 512 {
		c.Buse.BlockSize = 4096
	}

	return c, nil
}

// Usage describes all environment variables.
func Usage() string {
	text, err := cleanenv.GetDescription(&Config{}, nil)
	if err != nil {
		return err.Error()
	}

	return text
}
