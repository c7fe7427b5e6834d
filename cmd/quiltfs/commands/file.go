package commands

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/quiltfs/quiltfs/pkg/admin"
)

var fileCmd = &cobra.Command{
	Use:   "file",
	Short: "Upload and download files",
}

var uploadFlags struct {
	owner       string
	name        string
	contentType string
}

var fileUploadCmd = &cobra.Command{
	Use:   "upload PATH",
	Short: "Chunk a local file across the cluster",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, _, st, err := openService()
		if err != nil {
			return err
		}
		defer st.Close()

		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		name := uploadFlags.name
		if name == "" {
			name = filepath.Base(args[0])
		}
		file, err := svc.Upload(cmd.Context(), f, admin.FileMeta{
			Name:             name,
			OriginalFilename: filepath.Base(args[0]),
			FileType:         filepath.Ext(args[0]),
			ContentType:      uploadFlags.contentType,
			Owner:            uploadFlags.owner,
		})
		if err != nil {
			return err
		}
		cmd.Printf("Uploaded %s as %s (%d bytes, sha256 %s)\n", args[0], file.ID, file.SizeBytes, file.Checksum)
		return nil
	},
}

var fileDownloadCmd = &cobra.Command{
	Use:   "download FILE_ID PATH",
	Short: "Reassemble a file to a local path",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, _, st, err := openService()
		if err != nil {
			return err
		}
		defer st.Close()

		out, err := os.Create(args[1])
		if err != nil {
			return err
		}
		defer out.Close()

		if err := svc.Download(cmd.Context(), args[0], out); err != nil {
			return err
		}
		cmd.Printf("Downloaded %s to %s\n", args[0], args[1])
		return nil
	},
}

func init() {
	fileUploadCmd.Flags().StringVar(&uploadFlags.owner, "owner", "admin", "owning user for path prefixing")
	fileUploadCmd.Flags().StringVar(&uploadFlags.name, "name", "", "display name (default: file name)")
	fileUploadCmd.Flags().StringVar(&uploadFlags.contentType, "content-type", "application/octet-stream", "content type")

	fileCmd.AddCommand(fileUploadCmd)
	fileCmd.AddCommand(fileDownloadCmd)
}
