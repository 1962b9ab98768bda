package pdf

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

const aesKeyLength = 256

// Encryptor writes a single page of a source document as an AES-256
// encrypted PDF that only allows printing.
type Encryptor struct{}

func NewEncryptor() *Encryptor {
	return &Encryptor{}
}

func (e *Encryptor) EncryptPage(ctx context.Context, data []byte, page int, userPassword, ownerPassword string, w io.Writer) error {
	if page < 1 {
		return fmt.Errorf("page %d out of range", page)
	}
	if userPassword == "" || ownerPassword == "" || userPassword == ownerPassword {
		return fmt.Errorf("user and owner passwords must be set and distinct")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var single bytes.Buffer
	if err := api.Trim(bytes.NewReader(data), &single, []string{strconv.Itoa(page)}, relaxedConfig()); err != nil {
		return fmt.Errorf("extract page %d: %w", page, err)
	}

	if err := api.Encrypt(bytes.NewReader(single.Bytes()), w, encryptionConfig(userPassword, ownerPassword)); err != nil {
		return fmt.Errorf("encrypt page %d: %w", page, err)
	}
	return nil
}

func relaxedConfig() *model.Configuration {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return conf
}

func encryptionConfig(userPassword, ownerPassword string) *model.Configuration {
	conf := model.NewAESConfiguration(userPassword, ownerPassword, aesKeyLength)
	conf.ValidationMode = model.ValidationRelaxed
	conf.Permissions = model.PermissionsPrint
	return conf
}
